package constants

const (
	// 对象存储中的会话产物路径
	// 格式: sessions/{sessionID}/session.json
	SessionSnapshotKey = "sessions/%s/session.json"
	// 格式: sessions/{sessionID}/final_report.json
	FinalReportKey = "sessions/%s/final_report.json"
	// 格式: sessions/{sessionID}/audio_q{index}.mp3
	QuestionAudioKey = "sessions/%s/audio_q%d.mp3"

	ContentTypeJSON  = "application/json"
	ContentTypeAudio = "audio/mpeg"

	// InterviewCompleteMessage 问题集耗尽时返回给客户端的提示
	InterviewCompleteMessage = `Interview complete! Click "End Interview" to see your report.`

	// 会话事件类型，写入 outbox 后由中继投递
	EventSessionStarted  = "session.started"
	EventSessionAnswered = "session.answered"
	EventSessionEnded    = "session.ended"
)
