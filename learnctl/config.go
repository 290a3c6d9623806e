package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Conf layers environment variables over defaults. Command-line flags win
// over both.
var Conf *viper.Viper

func init() {
	Conf = viper.New()

	Conf.SetDefault("apiUrl", "https://api.learn.example.com")
	Conf.SetDefault("realtimeUrl", "wss://realtime.learn.example.com")
	Conf.SetDefault("draftPath", defaultDraftPath())

	// load .env if it exists (ignore if it does not)
	if _, err := os.Stat(".env"); err == nil {
		godotenv.Load(".env")
	}

	Conf.SetEnvPrefix("LEARN")
	Conf.AutomaticEnv()
}

func defaultDraftPath() string {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "drafts.db"
	}
	return cacheDir + "/learnctl/drafts.db"
}
