package miso

// misoconfig-section: Common Configuration
const (

	// misoconfig-prop: name of the application
	PropAppName = "app.name"

	// misoconfig-prop: extra config files that should be loaded
	PropConfigExtraFiles = "config.extra.files"
)

// misoconfig-section: Logging Configuration
const (

	// misoconfig-prop: log level | info
	PropLoggingLevel = "logging.level"

	// misoconfig-prop: path to rolling log file
	PropLoggingRollingFile = "logging.rolling.file"

	// misoconfig-prop: only write logs to the rolling file, stdout is not used | false
	PropLoggingRollingFileOnly = "logging.file.log-file-only"

	// misoconfig-prop: max age of log files in days | 0
	PropLoggingRollingFileMaxAge = "logging.file.max-age"

	// misoconfig-prop: max size of each log file in mb | 50
	PropLoggingRollingFileMaxSize = "logging.file.max-size"

	// misoconfig-prop: max number of backup log files | 10
	PropLoggingRollingFileMaxBackups = "logging.file.max-backups"
)

func init() {
	SetDefProp(PropLoggingLevel, "info")
	SetDefProp(PropLoggingRollingFileOnly, false)
	SetDefProp(PropLoggingRollingFileMaxAge, 0)
	SetDefProp(PropLoggingRollingFileMaxSize, 50)
	SetDefProp(PropLoggingRollingFileMaxBackups, 10)
}
