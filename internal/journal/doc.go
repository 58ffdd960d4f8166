// Package journal 记录每一笔提交的生命周期，供查询接口和审计使用。
package journal
