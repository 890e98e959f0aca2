package cache

import "strings"

// Purpose 描述 bucket 的逻辑用途。
type Purpose string

const (
	PurposeStatic  Purpose = "static"
	PurposeRuntime Purpose = "runtime"
)

// BucketName 生成稳定的 "<purpose>-<version>" 标识，进程重启后保持不变。
func BucketName(purpose Purpose, version string) string {
	return string(purpose) + "-" + strings.TrimSpace(version)
}

// Buckets 是某个版本期望存在的 bucket 集合。
type Buckets struct {
	Static  string
	Runtime string
}

// BucketsFor 返回 version 对应的 static/runtime bucket 名称。
func BucketsFor(version string) Buckets {
	return Buckets{
		Static:  BucketName(PurposeStatic, version),
		Runtime: BucketName(PurposeRuntime, version),
	}
}

// Current 判断 name 是否属于当前版本；激活阶段据此删除其余 bucket。
func (b Buckets) Current(name string) bool {
	return name == b.Static || name == b.Runtime
}
