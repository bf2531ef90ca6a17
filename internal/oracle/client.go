package oracle

import (
	"context"
	"encoding/json"
	"strings"

	"interview-buddy-go/internal/config"
	"interview-buddy-go/internal/logger"
	"interview-buddy-go/internal/types"
)

// Temperatures 各任务的采样温度
type Temperatures struct {
	Questions float64
	Scoring   float64
	FollowUp  float64
	Report    float64
}

// DefaultTemperatures 默认温度
func DefaultTemperatures() Temperatures {
	return Temperatures{Questions: 0.8, Scoring: 0.3, FollowUp: 0.7, Report: 0.5}
}

// TemperaturesFromConfig 从配置读取各任务温度
func TemperaturesFromConfig(cfg *config.Config) Temperatures {
	return Temperatures{
		Questions: cfg.GetTemperature(config.TaskQuestions),
		Scoring:   cfg.GetTemperature(config.TaskScoring),
		FollowUp:  cfg.GetTemperature(config.TaskFollowUp),
		Report:    cfg.GetTemperature(config.TaskReport),
	}
}

// Client 在 Oracle 之上按用途构造提示词并严格校验返回结构
type Client struct {
	oracle       Oracle
	temps        Temperatures
	systemPrompt string
}

// NewClient 创建 Client
func NewClient(o Oracle, temps Temperatures) *Client {
	return &Client{oracle: o, temps: temps, systemPrompt: SystemPrompt}
}

// QuestionSet 生成初始问题集，最多保留 n 个。结果可能少于 n，由调用方决定是否补足。
func (c *Client) QuestionSet(ctx context.Context, resume, jobDescription string, n int) ([]types.Question, error) {
	const task = config.TaskQuestions
	raw, err := c.oracle.Generate(WithTask(ctx, task), BuildInitialQuestionsPrompt(resume, jobDescription, n), c.systemPrompt, c.temps.Questions)
	if err != nil {
		return nil, err
	}

	questions, err := decodeQuestionSet(raw)
	if err != nil {
		return nil, newDecodeError(task, err)
	}
	if len(questions) == 0 {
		return nil, newValidateError(task, "问题集为空")
	}
	for i, q := range questions {
		if msg := validateQuestion(q); msg != "" {
			return nil, newValidateError(task, "第 %d 个问题%s", i+1, msg)
		}
	}
	if n > 0 && len(questions) > n {
		logger.Ctx(ctx).Debug().Int("got", len(questions)).Int("want", n).Msg("问题数量超过要求，截断")
		questions = questions[:n]
	}
	return questions, nil
}

// NextQuestion 生成一个避开已覆盖话题的新问题
func (c *Client) NextQuestion(ctx context.Context, resume, jobDescription string, coveredTopics []string) (types.Question, error) {
	const task = config.TaskQuestions
	raw, err := c.oracle.Generate(WithTask(ctx, task), BuildNextQuestionPrompt(resume, jobDescription, coveredTopics), c.systemPrompt, c.temps.Questions)
	if err != nil {
		return types.Question{}, err
	}

	var q types.Question
	if err := json.Unmarshal(raw, &q); err != nil {
		return types.Question{}, newDecodeError(task, err)
	}
	if msg := validateQuestion(q); msg != "" {
		return types.Question{}, newValidateError(task, "问题%s", msg)
	}
	for _, covered := range coveredTopics {
		if SameTopic(q.Topic, covered) {
			return types.Question{}, newValidateError(task, "话题 %q 与已有话题重复", q.Topic)
		}
	}
	return q, nil
}

// SameTopic 忽略首尾空白和大小写比较两个话题
func SameTopic(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// FollowUp 生成同一话题的追问。返回的话题始终等于传入的 topic。
func (c *Client) FollowUp(ctx context.Context, question, answer, topic string, depth int) (types.FollowUp, error) {
	const task = config.TaskFollowUp
	raw, err := c.oracle.Generate(WithTask(ctx, task), BuildFollowUpPrompt(question, answer, topic, depth), c.systemPrompt, c.temps.FollowUp)
	if err != nil {
		return types.FollowUp{}, err
	}

	var f types.FollowUp
	if err := json.Unmarshal(raw, &f); err != nil {
		return types.FollowUp{}, newDecodeError(task, err)
	}
	f.Question = strings.TrimSpace(f.Question)
	if f.Question == "" {
		return types.FollowUp{}, newValidateError(task, "追问内容为空")
	}
	if f.Topic != topic {
		if f.Topic != "" {
			logger.Ctx(ctx).Debug().Str("expected", topic).Str("got", f.Topic).Msg("追问话题与当前话题不一致，已纠正")
		}
		f.Topic = topic
	}
	return f, nil
}

// Score 对回答评分，四个维度必须为 1-10 的整数，反馈 2-3 条
func (c *Client) Score(ctx context.Context, question, answer, resume, jobDescription string) (types.ScoreResult, error) {
	const task = config.TaskScoring
	raw, err := c.oracle.Generate(WithTask(ctx, task), BuildScoringPrompt(question, answer, resume, jobDescription), c.systemPrompt, c.temps.Scoring)
	if err != nil {
		return types.ScoreResult{}, err
	}

	var r types.ScoreResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return types.ScoreResult{}, newDecodeError(task, err)
	}

	dims := []struct {
		name  string
		value int
	}{
		{"clarity", r.Scores.Clarity},
		{"depth", r.Scores.Depth},
		{"relevance", r.Scores.Relevance},
		{"structure", r.Scores.Structure},
	}
	for _, d := range dims {
		if d.value < 1 || d.value > 10 {
			return types.ScoreResult{}, newValidateError(task, "scores.%s 必须在 1-10 之间, 实际为 %d", d.name, d.value)
		}
	}

	r.Feedback = compactStrings(r.Feedback)
	if n := len(r.Feedback); n < 2 || n > 3 {
		return types.ScoreResult{}, newValidateError(task, "feedback 必须为 2-3 条, 实际为 %d", n)
	}
	if r.Strengths == nil {
		r.Strengths = []string{}
	}
	if r.Improvements == nil {
		r.Improvements = []string{}
	}
	return r, nil
}

// Report 生成总结报告
func (c *Client) Report(ctx context.Context, in ReportInput) (*types.Report, error) {
	const task = config.TaskReport
	prompt, err := BuildFinalReportPrompt(in)
	if err != nil {
		return nil, newCallError(task, err)
	}
	raw, err := c.oracle.Generate(WithTask(ctx, task), prompt, c.systemPrompt, c.temps.Report)
	if err != nil {
		return nil, err
	}

	var r types.Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, newDecodeError(task, err)
	}
	if err := validateReport(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

func decodeQuestionSet(raw json.RawMessage) ([]types.Question, error) {
	var questions []types.Question
	if err := json.Unmarshal(raw, &questions); err == nil {
		return questions, nil
	}
	// 部分模型会包一层 {"questions": [...]}
	var wrapped struct {
		Questions []types.Question `json:"questions"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Questions, nil
}

func validateQuestion(q types.Question) string {
	if strings.TrimSpace(q.Question) == "" {
		return "缺少 question 字段"
	}
	if strings.TrimSpace(q.Topic) == "" {
		return "缺少 topic 字段"
	}
	return ""
}

func validateReport(r *types.Report) error {
	const task = config.TaskReport
	if strings.TrimSpace(r.Assessment) == "" {
		return newValidateError(task, "缺少 assessment")
	}

	inRange := func(v float64) bool { return v >= 0 && v <= 10 }
	if !inRange(r.OverallScore) {
		return newValidateError(task, "overallScore 必须在 0-10 之间, 实际为 %.2f", r.OverallScore)
	}
	b := r.ScoreBreakdown
	for name, v := range map[string]float64{
		"clarity": b.Clarity, "depth": b.Depth, "relevance": b.Relevance, "structure": b.Structure,
	} {
		if !inRange(v) {
			return newValidateError(task, "scoreBreakdown.%s 必须在 0-10 之间, 实际为 %.2f", name, v)
		}
	}
	for i, f := range append(append([]types.Finding(nil), r.Strengths...), r.Weaknesses...) {
		if strings.TrimSpace(f.Area) == "" {
			return newValidateError(task, "第 %d 个 strengths/weaknesses 项缺少 area", i+1)
		}
		if !inRange(f.Score) {
			return newValidateError(task, "%s 的 score 必须在 0-10 之间, 实际为 %.2f", f.Area, f.Score)
		}
	}

	plan := r.PracticePlan
	for key, day := range map[string]*types.PracticeDay{
		"day1-2": plan.Day1To2, "day3-4": plan.Day3To4, "day5-6": plan.Day5To6, "day7": plan.Day7,
	} {
		if day == nil || strings.TrimSpace(day.Focus) == "" {
			return newValidateError(task, "practicePlan.%s 缺失或 focus 为空", key)
		}
		if day.Exercises == nil {
			day.Exercises = []string{}
		}
	}

	if r.Strengths == nil {
		r.Strengths = []types.Finding{}
	}
	if r.Weaknesses == nil {
		r.Weaknesses = []types.Finding{}
	}
	return nil
}

func compactStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
