package config

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
		// 本实例的唯一标识，用于跨实例转发时的回环保护；留空则启动时生成
		InstanceID string `mapstructure:"instanceId"`
	} `mapstructure:"running"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		// 跨实例事件转发的共享频道
		Channel string `mapstructure:"channel"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Jwt struct {
		// 优先级低于环境变量 JWT_SECRET
		Secret string `mapstructure:"secret"`
	} `mapstructure:"jwt"`
}
