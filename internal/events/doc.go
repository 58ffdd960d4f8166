// Package events 在交易到达终态时向外部队列发布事件，支持内存、Redis 与 RabbitMQ。
package events
