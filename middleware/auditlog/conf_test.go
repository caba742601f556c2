package auditlog

import (
	"testing"

	"github.com/curtisnewbie/shopbus/miso"
	"github.com/stretchr/testify/assert"
)

func TestServiceName(t *testing.T) {
	defer miso.SetProp(PropAuditLogServiceName, "")
	defer miso.SetProp(miso.PropAppName, miso.GetPropStr(miso.PropAppName))

	miso.SetProp(miso.PropAppName, "order-service")
	miso.SetProp(PropAuditLogServiceName, "")
	assert.Equal(t, "order-service", ServiceName())

	miso.SetProp(PropAuditLogServiceName, "payment-service")
	assert.Equal(t, "payment-service", ServiceName())
}

func TestAuditLogDefaults(t *testing.T) {
	assert.Equal(t, 1000, miso.GetPropInt(PropAuditLogMemSinkCapacity))
	if !miso.HasProp(PropAuditLogHashSalt) {
		t.Fatal("hash salt should have a default value")
	}
}
