package app

import "github.com/inspectlink/inspectlink/internal/config"

const (
	Name              = config.AppName
	DaemonName        = "inspectlinkd"
	SourceURL         = "https://github.com/inspectlink/inspectlink"
	ConfigFilename    = "config.json"
	DBFilename        = "inspector.db"
	LogFilename       = "inspector.log"
	SocketFilename    = config.SocketFilename
	RecentRecordsLoad = 200
	RecentSessions    = 50
)
