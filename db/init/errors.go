package dbinit

import "errors"

// 领域错误。批处理路径对这些错误按条隔离：记录日志后继续处理其余条目。
var (
	// ErrUnknownEntity 引用了不存在的节点或用户
	ErrUnknownEntity = errors.New("unknown entity")

	// ErrInvalidSample 非法采样：负值，或订正值小于已记录的桶值
	ErrInvalidSample = errors.New("invalid usage sample")

	// ErrInvalidTransition 节点状态机不允许的迁移，当前状态保持不变
	ErrInvalidTransition = errors.New("invalid node state transition")

	// ErrUnsupportedResetStrategy 未知的重置策略值，跳过该用户
	ErrUnsupportedResetStrategy = errors.New("unsupported reset strategy")
)
