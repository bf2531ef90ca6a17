package types

import (
	"time"
)

// Question 面试问题，由生成服务产出后不再修改
type Question struct {
	Question       string `json:"question"`
	Topic          string `json:"topic"`
	ResumeCitation string `json:"resumeCitation,omitempty"`
	JDCitation     string `json:"jdCitation,omitempty"`
}

// ScoreSet 单次回答的评分，每个维度 1-10
type ScoreSet struct {
	Clarity   int `json:"clarity"`
	Depth     int `json:"depth"`
	Relevance int `json:"relevance"`
	Structure int `json:"structure"`
}

// Interaction 一次问答记录，追加后不再修改
type Interaction struct {
	QuestionNumber int       `json:"questionNumber"`
	Question       string    `json:"question"`
	Topic          string    `json:"topic"`
	Answer         string    `json:"answer"`
	Scores         ScoreSet  `json:"scores"`
	Feedback       []string  `json:"feedback"`
	Timestamp      time.Time `json:"timestamp"`
}

// ScoreResult 评分接口的返回结构
type ScoreResult struct {
	Scores       ScoreSet `json:"scores"`
	Feedback     []string `json:"feedback"`
	Strengths    []string `json:"strengths"`
	Improvements []string `json:"improvements"`
}

// FollowUp 追问
type FollowUp struct {
	Question string `json:"question"`
	Topic    string `json:"topic"`
}

// ReportScores 报告中的平均分，允许小数
type ReportScores struct {
	Clarity   float64 `json:"clarity"`
	Depth     float64 `json:"depth"`
	Relevance float64 `json:"relevance"`
	Structure float64 `json:"structure"`
}

// Finding 报告中的优势或不足项
type Finding struct {
	Area     string  `json:"area"`
	Evidence string  `json:"evidence"`
	Score    float64 `json:"score"`
}

// PracticeDay 练习计划中的一个阶段
type PracticeDay struct {
	Focus           string   `json:"focus"`
	Exercises       []string `json:"exercises"`
	SuccessCriteria string   `json:"successCriteria"`
}

// PracticePlan 7 天练习计划
type PracticePlan struct {
	Day1To2 *PracticeDay `json:"day1-2"`
	Day3To4 *PracticeDay `json:"day3-4"`
	Day5To6 *PracticeDay `json:"day5-6"`
	Day7    *PracticeDay `json:"day7"`
}

// Report 面试结束后的总结报告
type Report struct {
	OverallScore   float64      `json:"overallScore"`
	Assessment     string       `json:"assessment"`
	ScoreBreakdown ReportScores `json:"scoreBreakdown"`
	Strengths      []Finding    `json:"strengths"`
	Weaknesses     []Finding    `json:"weaknesses"`
	PracticePlan   PracticePlan `json:"practicePlan"`
}

// Session 一场面试的完整状态
type Session struct {
	SessionID            string         `json:"sessionId"`
	Resume               string         `json:"resume"`
	JobDescription       string         `json:"jobDescription"`
	QuestionSet          []Question     `json:"questionSet"`
	CurrentQuestionIndex int            `json:"currentQuestionIndex"`
	TopicDepth           map[string]int `json:"topicDepth"`
	CoveredTopics        []string       `json:"coveredTopics"`
	Interactions         []Interaction  `json:"interactions"`
	StartTime            time.Time      `json:"startTime"`
	EndTime              *time.Time     `json:"endTime,omitempty"`
	Report               *Report        `json:"report,omitempty"`
}

// Completed 当前问题索引越过问题集时面试结束
func (s *Session) Completed() bool {
	return s.CurrentQuestionIndex >= len(s.QuestionSet)
}

// Ended 是否已生成报告并封存
func (s *Session) Ended() bool {
	return s.EndTime != nil
}

// CurrentQuestion 返回当前话题的问题，面试结束时返回 nil
func (s *Session) CurrentQuestion() *Question {
	if s.CurrentQuestionIndex < 0 || s.Completed() {
		return nil
	}
	return &s.QuestionSet[s.CurrentQuestionIndex]
}

// Clone 深拷贝会话，存储层和调用方互不共享可变状态
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s

	c.QuestionSet = append([]Question(nil), s.QuestionSet...)
	c.CoveredTopics = append([]string(nil), s.CoveredTopics...)

	c.TopicDepth = make(map[string]int, len(s.TopicDepth))
	for k, v := range s.TopicDepth {
		c.TopicDepth[k] = v
	}

	if s.Interactions != nil {
		c.Interactions = make([]Interaction, len(s.Interactions))
		for i, it := range s.Interactions {
			it.Feedback = append([]string(nil), it.Feedback...)
			c.Interactions[i] = it
		}
	}

	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	if s.Report != nil {
		c.Report = s.Report.Clone()
	}
	return &c
}

// Clone 深拷贝报告
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	c := *r
	c.Strengths = append([]Finding(nil), r.Strengths...)
	c.Weaknesses = append([]Finding(nil), r.Weaknesses...)
	c.PracticePlan = PracticePlan{
		Day1To2: r.PracticePlan.Day1To2.clone(),
		Day3To4: r.PracticePlan.Day3To4.clone(),
		Day5To6: r.PracticePlan.Day5To6.clone(),
		Day7:    r.PracticePlan.Day7.clone(),
	}
	return &c
}

func (d *PracticeDay) clone() *PracticeDay {
	if d == nil {
		return nil
	}
	c := *d
	c.Exercises = append([]string(nil), d.Exercises...)
	return &c
}
