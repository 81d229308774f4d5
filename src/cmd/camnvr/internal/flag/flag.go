// Package flag holds the command line surface of the camnvr binary.
package flag

import (
	"os"

	"github.com/alecthomas/kingpin"

	"github.com/camnvr/camnvr/src/configs"
	"github.com/camnvr/camnvr/src/consts"
)

var (
	App = kingpin.New(consts.AppName, "A multi-camera network video recorder.").
		Version(consts.AppVersion)

	Debug          = App.Flag("debug", "Enable debug mode.").Default("false").Bool()
	Conf           = App.Flag("config", "Load configuration from `FILE`.").Short('c').String()
	Bind           = App.Flag("bind", "HTTP api bind address.").Short('b').Default(":8080").String()
	DatabasePath   = App.Flag("database", "Path of the metadata database.").Default("data/camnvr.db").String()
	RecordingsRoot = App.Flag("recordings-root", "Root directory for recorded segments.").Short('o').Default("recordings").String()
	LogFolder      = App.Flag("log-folder", "Folder to write daily log files to.").Default("./").String()
)

func init() {
	App.HelpFlag.Short('h')
	kingpin.MustParse(App.Parse(os.Args[1:]))
}

// GenConfigFromFlags builds a config from the defaults plus the flags, for
// runs without a config file.
func GenConfigFromFlags() *configs.Config {
	config := configs.NewConfig()
	config.Debug = *Debug
	config.RPC.Bind = *Bind
	config.Database.Path = *DatabasePath
	config.Recording.RecordingsRoot = *RecordingsRoot
	config.Log.OutPutFolder = *LogFolder
	return config
}
