package emotion

import (
	"sort"
	"strings"

	"github.com/zhouzirui/mindwell/internal/model/therapy"
)

// Decision 给出情绪识别结果以及推荐的回应强度。
type Decision struct {
	Emotion therapy.Emotion
	// Intensity 是 1~10 的估计值，未识别时为 0。
	Intensity int
	Score     int
	Matched   []string
}

var keywordBuckets = map[therapy.Emotion][]string{
	therapy.Anxiety: {
		"焦虑", "担心", "紧张", "害怕", "不安", "心慌", "恐慌", "失眠",
		"anxious", "anxiety", "worry", "worried", "worrying", "nervous", "panic", "afraid", "scared",
		"presentation", "exam", "interview", "what if", "can't sleep", "racing thoughts",
	},
	therapy.Sadness: {
		"难过", "伤心", "失落", "沮丧", "悲伤", "哭", "痛苦", "失望", "心碎", "低落", "委屈",
		"sad", "cry", "crying", "depressed", "hopeless", "upset", "hurt", "grief", "miss", "lost",
	},
	therapy.Stress: {
		"压力", "累", "疲惫", "崩溃", "忙", "加班", "截止", "喘不过气",
		"stress", "stressed", "overwhelmed", "exhausted", "tired", "deadline", "workload", "burnout",
		"too much", "pressure", "no time",
	},
	therapy.Anger: {
		"生气", "愤怒", "火大", "气死", "烦死", "受够了", "抓狂", "气愤",
		"angry", "furious", "rage", "mad", "annoyed", "frustrated", "unfair", "hate", "sick of",
	},
	therapy.Loneliness: {
		"孤单", "寂寞", "孤独", "没人", "一个人", "被忽视",
		"lonely", "alone", "isolated", "no one", "nobody", "left out", "no friends", "ignored",
	},
	therapy.Happiness: {
		"开心", "高兴", "快乐", "满意", "感激", "太好了", "太棒了", "放松",
		"happy", "glad", "great", "grateful", "thankful", "relieved", "proud", "better", "excited",
	},
}

// Analyze 对一段话语打分，返回得分最高的情绪。
func Analyze(text string) Decision {
	normalized := strings.TrimSpace(strings.ToLower(text))
	if normalized == "" {
		return Decision{Emotion: therapy.Neutral}
	}

	scores := make(map[therapy.Emotion]int)
	matched := make(map[therapy.Emotion][]string)
	for label, keywords := range keywordBuckets {
		for _, word := range keywords {
			if strings.Contains(normalized, word) {
				scores[label] += 3
				matched[label] = append(matched[label], word)
			}
		}
	}

	if exclamations := strings.Count(text, "!") + strings.Count(text, "！"); exclamations > 0 {
		for label := range scores {
			if label == therapy.Anger || label == therapy.Happiness {
				scores[label] += exclamations
			}
		}
	}

	best, bestScore := therapy.Neutral, 0
	// 固定遍历顺序，同分时结果稳定
	for _, label := range therapy.SupportedEmotions() {
		if s := scores[label]; s > bestScore {
			best, bestScore = label, s
		}
	}
	if bestScore == 0 {
		return Decision{Emotion: therapy.Neutral}
	}

	words := matched[best]
	sort.Strings(words)
	return Decision{
		Emotion:   best,
		Intensity: therapy.ClampIntensity(3 + bestScore/2),
		Score:     bestScore,
		Matched:   words,
	}
}

// Matches 返回文本中命中指定情绪词表的关键词。
func Matches(text string, label therapy.Emotion) []string {
	normalized := strings.ToLower(text)
	var out []string
	for _, word := range keywordBuckets[label] {
		if strings.Contains(normalized, word) {
			out = append(out, word)
		}
	}
	return out
}

// Dominant 统计多段用户话语，返回最常出现的情绪。没有命中时返回 fallback。
func Dominant(utterances []string, fallback therapy.Emotion) therapy.Emotion {
	totals := make(map[therapy.Emotion]int)
	for _, u := range utterances {
		d := Analyze(u)
		if d.Score > 0 {
			totals[d.Emotion] += d.Score
		}
	}
	best, bestScore := fallback, 0
	for _, label := range therapy.SupportedEmotions() {
		if totals[label] > bestScore {
			best, bestScore = label, totals[label]
		}
	}
	return best
}
