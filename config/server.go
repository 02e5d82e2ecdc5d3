package config

import (
	"sync"
)

var (
	serverOnce   sync.Once
	serverConfig *ServerConfig
)

type ServerConfig struct {
	Addr        string
	MaxFileSize int64 // bytes
}

func GetServerConfig() *ServerConfig {
	serverOnce.Do(func() {
		loadEnv()

		serverConfig = &ServerConfig{
			Addr:        getEnv("SERVER_ADDR", ":8080"),
			MaxFileSize: int64(getEnvInt("MAX_FILE_SIZE_MB", 50)) * 1024 * 1024,
		}
	})
	return serverConfig
}
