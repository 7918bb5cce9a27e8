package op

type ClassificationCode string

const (
	NoConflict               ClassificationCode = "NO_CONFLICT"
	ConflictDetected         ClassificationCode = "CONFLICT_DETECTED"
	RequiresManualResolution ClassificationCode = "REQUIRES_MANUAL_RESOLUTION"
)

type Classification struct {
	Code   ClassificationCode
	Reason string
}

// Classify 对照会话最近一次已应用的操作给进来的操作分类。
//
// 默认策略只比较逻辑时间戳：incoming 不早于 lastApplied 就是 NoConflict，
// 否则 ConflictDetected（乱序）。注意分类只影响上报/排序，不影响准入——
// 冲突的操作仍然会按 last-applied-wins 应用到当前状态上，引擎不会悄悄丢操作。
//
// RequiresManualResolution 是给将来的语义冲突留的口子（比如不同作者在
// 模糊窗口内对同一锚点各插一段），默认策略永远不会返回它，但调用方必须
// 把三个分支都处理掉。
func Classify(lastApplied *Operation, incoming Operation) Classification {
	if lastApplied == nil {
		return Classification{Code: NoConflict}
	}
	if incoming.Timestamp >= lastApplied.Timestamp {
		return Classification{Code: NoConflict}
	}
	return Classification{Code: ConflictDetected, Reason: "operation is out of order"}
}
