package common

import (
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	commonconfig "github.com/stokerproject/stoker/internal/common/config"
)

const baseConfigFileName = "config"

// LoadConfig reads the base config.yaml from defaultPath, merges any
// user-specified override files on top in order, then binds the result onto
// config. Configuration errors are unrecoverable at startup, so failures
// exit the process.
func LoadConfig(config interface{}, defaultPath string, overrideConfigs []string) {
	v := viper.New()
	v.SetConfigName(baseConfigFileName)
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		log.Error(err)
		os.Exit(-1)
	}

	for _, overrideConfig := range overrideConfigs {
		v.SetConfigFile(overrideConfig)
		if err := v.MergeInConfig(); err != nil {
			log.Error(err)
			os.Exit(-1)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("STOKER")
	v.AutomaticEnv()

	if err := v.Unmarshal(config, commonconfig.CustomHooks...); err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

// UnmarshalKey binds a single subtree of the already-loaded global viper
// config onto cfg.
func UnmarshalKey(v *viper.Viper, key string, cfg interface{}) error {
	return v.UnmarshalKey(key, cfg, viper.DecodeHook(mapstructure.StringToTimeDurationHookFunc()))
}

func ConfigureCommandLineLogging() {
	commandLineFormatter := new(commandLineFormatter)
	log.SetFormatter(commandLineFormatter)
	log.SetOutput(os.Stdout)
}

func ConfigureLogging() {
	log.SetLevel(log.InfoLevel)
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

// BindCommandlineArguments makes flags registered on pflag.CommandLine
// readable through viper.
func BindCommandlineArguments() {
	if err := viper.BindPFlags(pflag.CommandLine); err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

// commandLineFormatter prints the bare message only, for commands whose
// output is consumed by scripts.
type commandLineFormatter struct{}

func (f *commandLineFormatter) Format(entry *log.Entry) ([]byte, error) {
	return []byte(entry.Message + "\n"), nil
}
