package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "devit"
)

// Ключи
const (
	RedisKeyAgentMetricsPrefix = RedisNamespace + ":lifecycle:metrics:"
	RedisKeyLockTickPrefix     = RedisNamespace + ":lock:lifecycle:tick:"
)

// Каналы Pub/Sub
const (
	// RedisChanLifecycleEvents — переходы, исходы исправлений, дрейф.
	RedisChanLifecycleEvents = RedisNamespace + ":lifecycle:events"
	// RedisChanLifecycleTicks — внешний планировщик публикует сюда tick_id.
	RedisChanLifecycleTicks = RedisNamespace + ":lifecycle:ticks"
)

// AgentMetricsKey HASH с последним сэмплом метрик агента
func AgentMetricsKey(agentID string) string {
	return RedisKeyAgentMetricsPrefix + agentID
}

// TickLockKey SetNX-блокировка, чтобы тик обработала ровно одна реплика
func TickLockKey(tickID string) string {
	return fmt.Sprintf("%s%s", RedisKeyLockTickPrefix, tickID)
}
