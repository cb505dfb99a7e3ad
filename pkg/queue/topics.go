// Package queue 定义消息主题常量，供发布/订阅使用.
package queue

// 主题命名规范：is.<域>.<动作或状态>，尽量稳定且向后兼容.
// 域：file(文件生命周期)、reconcile(远端对账).

const (
	topicFilePrefix = "is.file."

	// 文件生命周期领域，每个状态一个主题.
	TopicFileUntracked  = topicFilePrefix + "untracked"  // 迁移到 untracked（仅 escape，重置见 TopicFileReset）
	TopicFileUploading  = topicFilePrefix + "uploading"  // 开始上传
	TopicFileProcessing = topicFilePrefix + "processing" // 临时资源已上传，等待导入
	TopicFileIndexed    = topicFilePrefix + "indexed"    // 永久文档已可见
	TopicFileFailed     = topicFilePrefix + "failed"     // 不可恢复的错误或重试预算耗尽
	TopicFileReset      = topicFilePrefix + "reset"      // Indexed → Untracked 重置完成

	// 对账领域.
	TopicOrphanDeleted = "is.reconcile.orphan_deleted" // 删除了一个本地没有引用的远端文档
)

// FileTopics 文件生命周期相关主题集合.
var FileTopics = []string{
	TopicFileUntracked, TopicFileUploading, TopicFileProcessing,
	TopicFileIndexed, TopicFileFailed, TopicFileReset,
}

// TopicForState 返回迁移到目标状态时使用的主题.
func TopicForState(state string) string {
	return topicFilePrefix + state
}
