package main

import (
	"os"

	"github.com/curtisnewbie/shopbus/middleware/auditlog"
	"github.com/curtisnewbie/shopbus/middleware/rabbit"
	"github.com/curtisnewbie/shopbus/miso"
)

func init() {
	miso.SetDefProp(miso.PropAppName, "auditlog-service")
}

func main() {
	rail := miso.EmptyRail()
	miso.DefaultReadConfig(rail, os.Args)
	if closer := miso.ConfigureLogging(rail); closer != nil {
		defer closer.Close()
	}

	salt := auditlog.HashSalt()
	if salt == "CHANGE_ME_IN_ENV" {
		rail.Warnf("Using the default '%v', configure it with env AUDIT_HASH_SALT", auditlog.PropAuditLogHashSalt)
	}

	c := rabbit.Default()
	if err := c.Connect(rail); err != nil {
		rail.Errorf("Failed to connect to RabbitMQ, %v", err)
		os.Exit(1)
	}

	appRail, cancel := rail.WithCancel()
	sink := auditlog.NewMemSink(miso.GetPropInt(auditlog.PropAuditLogMemSinkCapacity))
	if err := bootstrap(appRail, c, sink, salt); err != nil {
		rail.Errorf("Failed to bootstrap, %v", err)
		cancel()
		_ = c.Close(rail)
		os.Exit(1)
	}

	server := miso.NewHttpServer(newRouter(c, sink))
	errCh := miso.StartHttpServer(rail, server)

	select {
	case err := <-errCh:
		if err != nil {
			rail.Errorf("Http server failed, %v", err)
		}
	case sig := <-waitForSignal(appRail):
		rail.Infof("Received signal %v, shutting down", sig)
	}

	miso.ShutdownHttpServer(rail, server)
	cancel()
	if err := c.Close(rail); err != nil {
		rail.Warnf("Failed to close RabbitMQ client, %v", err)
	}
	rail.Info("Bye")
}

func waitForSignal(rail miso.Rail) <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	go func() {
		ch <- miso.WaitForSignal(rail.Context())
	}()
	return ch
}
