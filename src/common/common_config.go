package common

type CommonConfig struct {
	PromPort        string `yaml:"prom_port"`
	HealthCheckPort string `yaml:"health_check_port"`
	PostgresConfig  string `yaml:"postgres"`
	RedisAddress    string `yaml:"redis_address"`
}
