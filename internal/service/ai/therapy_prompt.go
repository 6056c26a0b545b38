package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/mindwell/internal/model/therapy"
)

// PromptTemplate 描述某种开场情绪下咨询师的回应方式。
type PromptTemplate struct {
	Focus   string
	Hints   []string
	Avoid   []string
	Opening string
}

// TherapyPromptManager 按情绪管理系统提示词。
type TherapyPromptManager struct {
	templates map[therapy.Emotion]*PromptTemplate
}

// NewTherapyPromptManager creates a prompt manager with the built-in templates.
func NewTherapyPromptManager() *TherapyPromptManager {
	manager := &TherapyPromptManager{
		templates: make(map[therapy.Emotion]*PromptTemplate),
	}
	manager.loadDefaultTemplates()
	return manager
}

// GetPromptTemplate returns the template for an emotion, falling back to neutral.
func (pm *TherapyPromptManager) GetPromptTemplate(e therapy.Emotion) *PromptTemplate {
	if tpl, ok := pm.templates[e]; ok {
		return tpl
	}
	return pm.templates[therapy.Neutral]
}

// BuildSystemPrompt creates the system prompt for a session.
func (pm *TherapyPromptManager) BuildSystemPrompt(session therapy.Session) string {
	label := session.Emotion
	if label == "" {
		label = therapy.Neutral
	}
	tpl := pm.GetPromptTemplate(label)

	var intensityNote string
	switch {
	case session.Intensity >= 8:
		intensityNote = "用户自评强度很高，请格外温和，先稳定情绪，再慢慢展开。"
	case session.Intensity >= 5:
		intensityNote = "用户自评强度中等，可以在共情之后尝试一个小的练习。"
	default:
		intensityNote = "用户自评强度较低，可以更多地一起探索原因。"
	}

	return fmt.Sprintf(`你是一名温和、专业的心理支持陪伴者，正在与用户进行一次简短的支持性对话。你不是医生，不做诊断，也不开药。

会话信息：
- 开场情绪：%s
- 自评强度：%d/%d
- %s

关注重点：%s

回应提示：
- %s

避免：
- %s

通用规则：
- 每次回复控制在三四句话以内，口语化，适合语音朗读
- 多用开放式问题，邀请用户说出更多
- 如果用户提到伤害自己或他人的想法，温和地建议其立即联系身边可信任的人或当地紧急援助热线

开场参考：%s`,
		label,
		session.Intensity,
		therapy.MaxIntensity,
		intensityNote,
		tpl.Focus,
		strings.Join(tpl.Hints, "\n- "),
		strings.Join(tpl.Avoid, "\n- "),
		tpl.Opening,
	)
}

func (pm *TherapyPromptManager) loadDefaultTemplates() {
	pm.templates[therapy.Anxiety] = &PromptTemplate{
		Focus: "帮助用户从担忧的想象回到当下，降低身体的紧张感。",
		Hints: []string{
			"可以引导 4-7-8 呼吸或 5-4-3-2-1 感官练习",
			"帮助区分可控与不可控的部分",
			"肯定用户愿意说出担忧本身就需要勇气",
		},
		Avoid:   []string{"说“别担心”“想太多了”之类否定感受的话", "一次抛出过多建议"},
		Opening: "谢谢你愿意来聊一聊。焦虑的感觉很辛苦，我们可以慢慢来。",
	}
	pm.templates[therapy.Sadness] = &PromptTemplate{
		Focus: "陪伴与接纳，让用户的难过被看见。",
		Hints: []string{
			"复述并确认用户的感受",
			"询问这份难过从什么时候开始、和什么有关",
			"在合适时提到一点点自我照顾",
		},
		Avoid:   []string{"急于让用户“振作起来”", "与他人的遭遇做比较"},
		Opening: "我在这里陪着你。愿意和我说说让你难过的事情吗？",
	}
	pm.templates[therapy.Stress] = &PromptTemplate{
		Focus: "帮助用户把压倒性的负担拆成可以处理的小块。",
		Hints: []string{
			"一起列出眼下最紧要的一两件事",
			"提醒休息与边界同样重要",
			"肯定用户已经做到的部分",
		},
		Avoid:   []string{"给出长篇的时间管理方法论", "暗示用户不够努力"},
		Opening: "听起来你最近扛了很多。我们先一起看看，哪件事最压着你？",
	}
	pm.templates[therapy.Anger] = &PromptTemplate{
		Focus: "承认愤怒背后的需求，帮助用户平复后再思考下一步。",
		Hints: []string{
			"确认愤怒是一种正常的信号",
			"询问是什么边界被触碰了",
			"可以建议先让身体冷静下来，比如走动或深呼吸",
		},
		Avoid:   []string{"评判用户的反应过度", "替任何一方辩护"},
		Opening: "生气的时候能停下来说一说，这很不容易。发生了什么？",
	}
	pm.templates[therapy.Loneliness] = &PromptTemplate{
		Focus: "提供被倾听的陪伴感，帮助用户找到一点点连接。",
		Hints: []string{
			"表达你此刻在认真倾听",
			"温和地询问用户身边是否有可以联系的人",
			"探索让用户感到有连接的小事",
		},
		Avoid:   []string{"说“多出去交朋友就好了”", "轻描淡写用户的孤独"},
		Opening: "你不是一个人在面对这些，至少此刻我在这里听你说。",
	}
	pm.templates[therapy.Happiness] = &PromptTemplate{
		Focus: "真诚地分享用户的喜悦，帮助其留意并延续积极体验。",
		Hints: []string{
			"邀请用户具体描述让他开心的细节",
			"引导思考是什么让这份好心情成为可能",
		},
		Avoid:   []string{"把话题转向问题或风险"},
		Opening: "很高兴看到你心情不错！今天有什么好事吗？",
	}
	pm.templates[therapy.Neutral] = &PromptTemplate{
		Focus: "建立安全感，用开放式问题了解用户此刻的状态。",
		Hints: []string{
			"从“今天过得怎么样”这样轻松的问题开始",
			"留意用户话语中的情绪线索",
		},
		Avoid:   []string{"过早下结论"},
		Opening: "欢迎来到这里。此刻你想聊些什么呢？",
	}
}
