package storage

import (
	"context"
	"fmt"
	"strings"

	"interview-buddy-go/internal/config"
	"interview-buddy-go/internal/logger"
)

// Storage 存储管理器，聚合所有存储相关依赖。
// 每个组件都是可选的，未配置或初始化失败时对应字段为 nil。
type Storage struct {
	// 对象存储：音频、会话快照、最终报告
	MinIO *MinIO

	// 消息队列：发件箱事件投递
	RabbitMQ *RabbitMQ

	// 关系型数据库：会话归档 + 发件箱
	MySQL *MySQL

	// 键值存储：会话状态与分布式锁
	Redis *Redis
}

// NewStorage 按配置初始化各存储组件
func NewStorage(ctx context.Context, cfg *config.Config) (*Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}

	s := &Storage{}
	var initErrors []string

	if cfg.MinIO.Endpoint != "" {
		m, err := NewMinIO(ctx, &cfg.MinIO)
		if err != nil {
			logger.Warn().Err(err).Msg("初始化MinIO失败")
			initErrors = append(initErrors, fmt.Sprintf("MinIO: %v", err))
		} else {
			s.MinIO = m
		}
	}

	if cfg.RabbitMQ.URL != "" {
		mq, err := NewRabbitMQ(&cfg.RabbitMQ)
		if err != nil {
			logger.Warn().Err(err).Msg("初始化RabbitMQ失败")
			initErrors = append(initErrors, fmt.Sprintf("RabbitMQ: %v", err))
		} else if err := mq.SetupSessionEventTopology(); err != nil {
			logger.Warn().Err(err).Msg("声明会话事件拓扑失败")
			initErrors = append(initErrors, fmt.Sprintf("RabbitMQ topology: %v", err))
			mq.Close()
		} else {
			s.RabbitMQ = mq
		}
	}

	if cfg.MySQL.Host != "" {
		db, err := NewMySQL(&cfg.MySQL)
		if err != nil {
			logger.Warn().Err(err).Msg("初始化MySQL失败")
			initErrors = append(initErrors, fmt.Sprintf("MySQL: %v", err))
		} else {
			// 没有消息队列时只归档，不积压发件箱
			if s.RabbitMQ != nil {
				db.SetEventRouting(NewEventRouting(&cfg.RabbitMQ))
			}
			s.MySQL = db
		}
	}

	if cfg.Redis.Address != "" {
		r, err := NewRedisAdapter(&cfg.Redis)
		if err != nil {
			logger.Warn().Err(err).Msg("初始化Redis失败")
			initErrors = append(initErrors, fmt.Sprintf("Redis: %v", err))
		} else {
			s.Redis = r
		}
	}

	if len(initErrors) > 0 {
		logger.Warn().Str("errors", strings.Join(initErrors, "; ")).Msg("部分存储组件初始化失败")
	}
	return s, nil
}

// Close 关闭所有连接
func (s *Storage) Close() {
	if s.RabbitMQ != nil {
		if err := s.RabbitMQ.Close(); err != nil {
			logger.Error().Err(err).Msg("关闭RabbitMQ连接失败")
		}
	}
	if s.MySQL != nil {
		if err := s.MySQL.Close(); err != nil {
			logger.Error().Err(err).Msg("关闭MySQL连接失败")
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			logger.Error().Err(err).Msg("关闭Redis连接失败")
		}
	}
}
