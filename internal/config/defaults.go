package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:             "info",
			MaxConcurrentUpdates: 16,
		},
		Telegram: TelegramConfig{
			PollTimeout:   30,
			RatePerSecond: 20,
			Burst:         5,
		},
		Workflow: WorkflowConfig{
			APIBase:        "https://api.dify.ai/v1",
			TimeoutSeconds: 300,
			DefaultPrompt:  "请参考附件信息",
		},
		MediaGroup: MediaGroupConfig{
			DebounceMs: 800,
		},
		Cache: CacheConfig{
			Backend:    "memory",
			MaxEntries: 1024,
			TTLSeconds: 600,
		},
		Fetch: FetchConfig{
			ScratchDir:       "~/.difybot/scratch",
			TimeoutSeconds:   30,
			MaxBytes:         50 << 20,
			Concurrency:      4,
			RetentionMinutes: 60,
		},
		Delivery: DeliveryConfig{
			EditIntervalMs: 1500,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Listen:   "127.0.0.1:9464",
			Endpoint: "/metrics",
		},
	}
}
