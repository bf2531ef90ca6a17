package constants

// Redis Key 前缀和格式常量
// 使用统一的命名规范: app:{module}:{entity}:{unique_id}
const (
	// AppPrefix 是所有Redis Key的统一应用前缀
	AppPrefix = "app"

	// InterviewModulePrefix 面试模块
	InterviewModulePrefix = "interview"

	// EntitySession 面试会话实体
	EntitySession = "session"
	// EntityLock 分布式锁实体
	EntityLock = "lock"

	// KeyInterviewSession 面试会话快照 (STRING, JSON)
	// 格式: app:interview:session:{sessionID}
	KeyInterviewSession = AppPrefix + ":" + InterviewModulePrefix + ":" + EntitySession + ":%s"

	// KeyInterviewLock 单会话写锁 (STRING)
	// 格式: app:interview:lock:{sessionID}
	KeyInterviewLock = AppPrefix + ":" + InterviewModulePrefix + ":" + EntityLock + ":%s"
)
