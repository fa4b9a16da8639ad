package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// LedgerConfig 定义历史账本的存储后端配置
// backend 可选 wal (本地追加日志文件) 或 redis
type LedgerConfig struct {
	Backend   string `mapstructure:"backend"`    // 存储后端: wal / redis
	Path      string `mapstructure:"path"`       // WAL 文件路径
	RedisAddr string `mapstructure:"redis_addr"` // Redis 地址
	RedisDB   int    `mapstructure:"redis_db"`   // Redis 数据库编号
}

// IngressConfig 定义事件入口的调度与重试配置
type IngressConfig struct {
	Workers          int    `mapstructure:"workers"`             // 异步分发 worker 数量
	AppendMaxElapsed int    `mapstructure:"append_max_elapsed_ms"` // 账本写入重试的最大总时长 (毫秒)
	DeadLetterPath   string `mapstructure:"dead_letter_path"`    // 死信文件路径，重试耗尽后的事件落在这里
}

// Config 定义应用程序的配置结构
// 使用 mapstructure 标签来映射配置文件中的字段
type Config struct {
	HTTPAddr       string        `mapstructure:"http_addr"`       // API 服务监听地址
	DefinitionsDir string        `mapstructure:"definitions_dir"` // 启动时加载的工作流定义目录
	Ledger         LedgerConfig  `mapstructure:"ledger"`          // 账本存储配置
	Ingress        IngressConfig `mapstructure:"ingress"`         // 事件入口配置
}

// LoadConfig 从 config.yaml 文件加载配置
// 使用 Viper 库来读取和解析配置文件
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config") // 配置文件名称 (不带扩展名)
	viper.SetConfigType("yaml")   // 配置文件类型
	viper.AddConfigPath(".")      // 查找配置文件的路径 (当前目录)

	// 设置默认值
	viper.SetDefault("http_addr", ":8080")
	viper.SetDefault("definitions_dir", "definitions")
	viper.SetDefault("ledger.backend", "wal")
	viper.SetDefault("ledger.path", "ledger.wal")
	viper.SetDefault("ledger.redis_addr", "localhost:6379")
	viper.SetDefault("ingress.workers", 4)
	viper.SetDefault("ingress.append_max_elapsed_ms", 2000)
	viper.SetDefault("ingress.dead_letter_path", "deadletter.jsonl")

	// 读取配置文件
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 将配置解析到结构体中
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return &cfg, nil
}
