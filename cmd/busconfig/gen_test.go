package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSrc = `package rabbit

import "github.com/curtisnewbie/shopbus/miso"

// misoconfig-section: RabbitMQ Configuration
const (

	// misoconfig-prop: broker url
	// misoconfig-env: RABBITMQ_URL
	PropRabbitMqUrl = "rabbitmq.url"

	// misoconfig-prop: RabbitMQ server port | 5672
	PropRabbitMqPort = "rabbitmq.port"

	// misoconfig-prop: confirm mode | true
	PropRabbitMqPublisherConfirm = "rabbitmq.publisher.confirm"

	// misoconfig-prop: name of the exchange | shopbus
	// misoconfig-env: EXCHANGE_NAME, BUS_EXCHANGE
	PropRabbitMqExchangeName = "rabbitmq.exchange.name"

	// misoconfig-prop: shown in doc only | abc
	// misoconfig-doc-only
	PropDocOnly = "rabbitmq.doc-only"

	// not a prop
	notProp = "x"
)

// misoconfig-default-start
func init() {
	miso.SetDefProp(PropRabbitMqPort, 1)
}

// misoconfig-default-end
`

func TestParseFile(t *testing.T) {
	decls, err := ParseFile("conf.go", testSrc)
	require.NoError(t, err)
	require.Len(t, decls, 5)

	assert.Equal(t, Decl{
		Source:      "conf.go",
		Package:     "rabbit",
		Name:        "rabbitmq.url",
		ConstName:   "PropRabbitMqUrl",
		Description: "broker url",
		Section:     "RabbitMQ Configuration",
		Env:         []string{"RABBITMQ_URL"},
	}, decls[0])
	assert.Equal(t, "5672", decls[1].DefaultValue)
	assert.Equal(t, []string{"EXCHANGE_NAME", "BUS_EXCHANGE"}, decls[3].Env)
	assert.True(t, decls[4].DocOnly)
}

func TestParseFileNoSection(t *testing.T) {
	decls, err := ParseFile("p.go", `package p

const (
	// misoconfig-prop: some prop | 1
	PropSome = "some.prop"
)`)
	require.NoError(t, err)
	require.Len(t, decls, 1)
	assert.Equal(t, generalSection, decls[0].Section)
}

func TestRenderDefaults(t *testing.T) {
	decls, err := ParseFile("conf.go", testSrc)
	require.NoError(t, err)

	want := `func init() {
	miso.SetDefProp(PropRabbitMqPort, 5672)
	miso.SetDefProp(PropRabbitMqPublisherConfirm, true)
	miso.SetDefProp(PropRabbitMqExchangeName, "shopbus")

	miso.BindEnv(PropRabbitMqUrl, "RABBITMQ_URL")
	miso.BindEnv(PropRabbitMqExchangeName, "EXCHANGE_NAME", "BUS_EXCHANGE")
}`
	assert.Equal(t, want, RenderDefaults(decls))

	for i := range decls {
		decls[i].Package = "miso"
	}
	assert.True(t, strings.HasPrefix(RenderDefaults(decls), "func init() {\n\tSetDefProp(PropRabbitMqPort, 5672)"))
	assert.Empty(t, RenderDefaults(nil))
}

func TestGoLiteral(t *testing.T) {
	assert.Equal(t, "true", goLiteral("TRUE"))
	assert.Equal(t, "68", goLiteral("68"))
	assert.Equal(t, `"0.0.0.0"`, goLiteral("0.0.0.0"))
	assert.Equal(t, `"/metrics"`, goLiteral("/metrics"))
	assert.Equal(t, `"quoted"`, goLiteral(`"quoted"`))
	assert.Equal(t, "30 * time.Second", goLiteral("`30 * time.Second`"))
}

func TestEmbed(t *testing.T) {
	src := "a\n// misoconfig-default-start\nold\n// misoconfig-default-end\nb"
	v, ok := Embed(src, "new", DefaultEmbedStart, DefaultEmbedEnd)
	require.True(t, ok)
	assert.Equal(t, "a\n// misoconfig-default-start\nnew\n\n// misoconfig-default-end\nb", v)

	_, ok = Embed("no markers", "new", DefaultEmbedStart, DefaultEmbedEnd)
	assert.False(t, ok)
	_, ok = Embed("// misoconfig-default-end\n// misoconfig-default-start", "new", DefaultEmbedStart, DefaultEmbedEnd)
	assert.False(t, ok)
}

func TestRenderTable(t *testing.T) {
	decls, err := ParseFile("conf.go", testSrc)
	require.NoError(t, err)
	more, err := ParseFile("prop.go", `package miso

// misoconfig-section: Common Configuration
const (
	// misoconfig-prop: name of the application
	PropAppName = "app.name"
)`)
	require.NoError(t, err)

	sections := GroupSections(append(decls, more...))
	require.Len(t, sections, 2)
	assert.Equal(t, "Common Configuration", sections[0].Name)

	table := RenderTable(sections)
	assert.Contains(t, table, "\n## Common Configuration\n")
	assert.Contains(t, table, "\n## RabbitMQ Configuration\n")
	assert.Contains(t, table, "| rabbitmq.url ")
	assert.Contains(t, table, "broker url (env: RABBITMQ_URL)")
	assert.Contains(t, table, "rabbitmq.doc-only")

	for _, l := range strings.Split(strings.TrimSpace(table), "\n") {
		if strings.HasPrefix(l, "|") {
			assert.True(t, strings.HasSuffix(l, "|"), l)
		}
	}
	assert.Less(t, strings.Index(table, "Common Configuration"), strings.Index(table, "RabbitMQ Configuration"))
}

func TestRun(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "rabbit"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "_skipped"), 0o755))
	src := filepath.Join(root, "rabbit", "conf.go")
	require.NoError(t, os.WriteFile(src, []byte(testSrc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "_skipped", "x.go"), []byte(`package x

const (
	// misoconfig-prop: skipped
	PropSkipped = "skipped"
)`), 0o644))

	table := filepath.Join(root, "doc", "config.md")
	require.NoError(t, run(root, table))

	b, err := os.ReadFile(table)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(b), "# Configurations\n"))
	assert.Contains(t, string(b), "rabbitmq.exchange.name")
	assert.NotContains(t, string(b), "skipped")

	b, err = os.ReadFile(src)
	require.NoError(t, err)
	assert.Contains(t, string(b), "miso.SetDefProp(PropRabbitMqPort, 5672)")
	assert.NotContains(t, string(b), "miso.SetDefProp(PropRabbitMqPort, 1)")

	// embedded into existing doc
	require.NoError(t, os.WriteFile(table, []byte("# Doc\n\n<!-- misoconfig-table-start -->\n<!-- misoconfig-table-end -->\n\nfooter\n"), 0o644))
	require.NoError(t, run(root, table))
	b, err = os.ReadFile(table)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(b), "# Doc\n"))
	assert.True(t, strings.HasSuffix(string(b), "footer\n"))
	assert.Contains(t, string(b), "rabbitmq.port")
}
