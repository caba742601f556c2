package auditlog

import (
	"github.com/curtisnewbie/shopbus/miso"
	"github.com/curtisnewbie/shopbus/util/strutil"
)

// misoconfig-section: Audit Log Configuration
const (

	// misoconfig-prop: salt used to hash the request payload and the target's email or phone | CHANGE_ME_IN_ENV
	// misoconfig-env: AUDIT_HASH_SALT
	PropAuditLogHashSalt = "auditlog.hash-salt"

	// misoconfig-prop: name of the service written in audit events, 'app.name' is used when it's empty
	// misoconfig-env: SERVICE_NAME
	PropAuditLogServiceName = "auditlog.service-name"

	// misoconfig-prop: number of recent audit records kept in memory | 1000
	PropAuditLogMemSinkCapacity = "auditlog.mem-sink.capacity"
)

// misoconfig-default-start
func init() {
	miso.SetDefProp(PropAuditLogHashSalt, "CHANGE_ME_IN_ENV")
	miso.SetDefProp(PropAuditLogMemSinkCapacity, 1000)

	miso.BindEnv(PropAuditLogHashSalt, "AUDIT_HASH_SALT")
	miso.BindEnv(PropAuditLogServiceName, "SERVICE_NAME")
}

// misoconfig-default-end

// Name of the service written in audit events.
func ServiceName() string {
	return strutil.OrElse(miso.GetPropStr(PropAuditLogServiceName), miso.GetPropStr(miso.PropAppName))
}

func HashSalt() string {
	return miso.GetPropStr(PropAuditLogHashSalt)
}
