package idgen

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ============================================================================
// 雪花算法 ID 生成器
// ============================================================================
//
// 托管单号、流水号要求全局唯一且趋势递增，多实例部署时每个实例
// 使用不同的 worker_id（0-1023），由 server.worker_id 配置。
//
// 单号格式：前缀 + 年月日时分秒 + 雪花ID后8位
//   例如：ESC20240115143052_12345678
//
// ============================================================================

var (
	defaultNode *snowflake.Node
	mu          sync.Mutex
)

func init() {
	// 2024-01-01 00:00:00 UTC
	snowflake.Epoch = 1704067200000
}

// Init 初始化默认节点
func Init(workerID int64) error {
	mu.Lock()
	defer mu.Unlock()

	node, err := snowflake.NewNode(workerID)
	if err != nil {
		return fmt.Errorf("初始化雪花节点失败: %w", err)
	}
	defaultNode = node
	return nil
}

// NextID 生成下一个ID
func NextID() int64 {
	mu.Lock()
	if defaultNode == nil {
		// 默认使用 workerID = 1
		defaultNode, _ = snowflake.NewNode(1)
	}
	node := defaultNode
	mu.Unlock()
	return node.Generate().Int64()
}

func generate(prefix string) string {
	id := NextID()
	timestamp := time.Now().Format("20060102150405")
	return fmt.Sprintf("%s%s_%08d", prefix, timestamp, id%100000000)
}

// GenerateEscrowNo 生成托管单号
func GenerateEscrowNo() string {
	return generate("ESC")
}

// GenerateTransactionNo 生成流水号
func GenerateTransactionNo() string {
	return generate("TXN")
}
