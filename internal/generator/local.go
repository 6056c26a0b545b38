package generator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/mindwell/internal/analysis/emotion"
	"github.com/zhouzirui/mindwell/internal/model/therapy"
)

const lastResortReply = "I'm here with you. Tell me a little more about what's on your mind."

type rule struct {
	keywords []string
	replies  []string
}

type script struct {
	welcome string
	rules   []rule
	general []string
	closing string
}

var scripts = map[therapy.Emotion]script{
	therapy.Anxiety: {
		welcome: "Welcome. I can hear that things feel uneasy right now. We can take this one breath at a time.",
		rules: []rule{
			{
				keywords: []string{"presentation", "exam", "interview", "test", "meeting"},
				replies: []string{
					"It makes sense that a big moment like this is on your mind. What part of it worries you the most?",
					"Preparing for something important can stir up a lot of worry. Would it help to walk through what you have ready so far?",
				},
			},
			{
				keywords: []string{"worry", "worried", "worrying", "what if", "overthink"},
				replies: []string{
					"Worry has a way of looping. Let's slow it down together: what is the thought that keeps coming back?",
					"When the worrying won't stop, naming it can loosen its grip a little. What would you call this worry?",
				},
			},
			{
				keywords: []string{"panic", "heart", "breathe", "breathing", "chest"},
				replies: []string{
					"Let's try a slow breath together: in for four, hold for four, out for six. I'm right here.",
				},
			},
			{
				keywords: []string{"sleep", "night", "insomnia"},
				replies: []string{
					"Anxious thoughts often grow louder at night. What usually goes through your mind when you're trying to sleep?",
				},
			},
		},
		general: []string{
			"That sounds really uncomfortable. What do you notice in your body when the anxiety shows up?",
			"Thank you for sharing that. What would feel like a small, safe next step right now?",
			"Anxiety can make everything feel urgent. Which part of this is in your control today?",
		},
		closing: "Thank you for taking this time for yourself. Remember the slow breath whenever the worry builds.",
	},
	therapy.Sadness: {
		welcome: "Welcome. I'm glad you reached out. There's no rush here, share whatever feels right.",
		rules: []rule{
			{
				keywords: []string{"miss", "lost", "loss", "gone", "died", "grief"},
				replies: []string{
					"Missing someone or something can ache deeply. Would you like to tell me about them?",
				},
			},
			{
				keywords: []string{"cry", "crying", "tears"},
				replies: []string{
					"Tears are a natural way of letting feelings move. It's okay to feel this here.",
				},
			},
			{
				keywords: []string{"hopeless", "pointless", "empty", "nothing matters"},
				replies: []string{
					"Feeling empty is heavy to carry. You don't have to carry it alone. When did this feeling start?",
				},
			},
		},
		general: []string{
			"I'm sorry you're going through this. What has been the hardest part of your day?",
			"It sounds like you're carrying a lot. What usually brings you even a little comfort?",
			"Thank you for trusting me with this. How long have you been feeling this way?",
		},
		closing: "Thank you for sharing with me today. Be gentle with yourself, small steps still count.",
	},
	therapy.Stress: {
		welcome: "Welcome. It sounds like a lot is on your plate. Let's make a little space to sort through it.",
		rules: []rule{
			{
				keywords: []string{"work", "deadline", "boss", "job", "project", "workload"},
				replies: []string{
					"Work pressure can pile up fast. If you listed everything on your plate, which item weighs the most?",
					"Deadlines can squeeze out rest. What is one thing that could wait until tomorrow?",
				},
			},
			{
				keywords: []string{"tired", "exhausted", "burnout", "no energy"},
				replies: []string{
					"Exhaustion is a signal worth listening to. When did you last have real time to recharge?",
				},
			},
			{
				keywords: []string{"too much", "overwhelmed", "can't cope", "pressure"},
				replies: []string{
					"When everything feels like too much, it helps to pick just one thing. What's the smallest task you could finish today?",
				},
			},
		},
		general: []string{
			"That sounds demanding. What would help you feel even slightly more in control?",
			"Stress often hides in the body. Where do you feel it the most right now?",
			"You're handling a lot. What support do you have around you?",
		},
		closing: "Thanks for pausing with me. Try to give yourself one small break today.",
	},
	therapy.Anger: {
		welcome: "Welcome. It's okay to feel angry. This is a space where you can let it out safely.",
		rules: []rule{
			{
				keywords: []string{"unfair", "lied", "betrayed", "disrespect"},
				replies: []string{
					"Feeling treated unfairly can be infuriating. What happened that felt most unjust?",
				},
			},
			{
				keywords: []string{"yell", "scream", "fight", "argument", "argue"},
				replies: []string{
					"Conflicts can leave us shaking. What did you wish you could have said in that moment?",
				},
			},
			{
				keywords: []string{"hate", "furious", "rage", "sick of"},
				replies: []string{
					"That's a strong feeling, and it's telling you something matters to you. What is it protecting?",
				},
			},
		},
		general: []string{
			"Anger often sits on top of hurt. What's underneath it for you right now?",
			"Let's take a breath before we go on. What triggered this feeling today?",
			"It makes sense to feel frustrated. What would a fair outcome look like to you?",
		},
		closing: "Thank you for working through this with me. Your feelings are valid, and you chose to pause.",
	},
	therapy.Loneliness: {
		welcome: "Welcome. I'm really glad you're here. You're not alone in this conversation.",
		rules: []rule{
			{
				keywords: []string{"friend", "friends", "nobody", "no one", "alone"},
				replies: []string{
					"Feeling like no one is around can be so painful. Is there anyone you used to feel close to?",
				},
			},
			{
				keywords: []string{"new city", "moved", "new school", "new job"},
				replies: []string{
					"Starting over somewhere new can feel very isolating. What did you enjoy doing before the move?",
				},
			},
			{
				keywords: []string{"ignored", "left out", "invisible"},
				replies: []string{
					"Being left out hurts. You deserve to be seen. When did you last feel really listened to?",
				},
			},
		},
		general: []string{
			"Thank you for telling me. What does a lonely day usually look like for you?",
			"Connection can start small. Is there one person you could send a short message to?",
			"I'm listening. What kind of company would feel good to you right now?",
		},
		closing: "Thank you for spending this time with me. Reaching out today was a real step toward connection.",
	},
	therapy.Happiness: {
		welcome: "Welcome. It's lovely to check in on a good day too. What's bringing you joy?",
		rules: []rule{
			{
				keywords: []string{"proud", "achieved", "finished", "passed", "did it"},
				replies: []string{
					"That's wonderful, you should be proud. What helped you get there?",
				},
			},
			{
				keywords: []string{"grateful", "thankful", "thanks"},
				replies: []string{
					"Gratitude is a beautiful thing to notice. Who or what are you most grateful for today?",
				},
			},
		},
		general: []string{
			"I love hearing that. How can you hold on to this feeling a little longer?",
			"That sounds great. What made today different?",
			"It's good to celebrate the bright moments. What would you like more of?",
		},
		closing: "Thanks for sharing the good moments. Keep noticing what lifts you up.",
	},
	therapy.Neutral: {
		welcome: "Welcome. This is your space. What would you like to talk about today?",
		general: []string{
			"I'm listening. What's been on your mind lately?",
			"Tell me more about that. How has it been affecting you?",
			"Thank you for sharing. How are you feeling as we talk about it?",
		},
		closing: "Thank you for talking with me today. Take care of yourself.",
	},
}

// Simulator is the offline generator. Keyword rules for the session
// emotion are tried first, then rules for the tone the message itself
// carries, then one of the emotion's general templates picked at random.
type Simulator struct {
	emotion   therapy.Emotion
	intensity int

	mu  sync.Mutex
	rnd *rand.Rand
}

// SimulatorOption customizes a Simulator.
type SimulatorOption func(*Simulator)

// WithRand fixes the random source used for template picks.
func WithRand(rnd *rand.Rand) SimulatorOption {
	return func(s *Simulator) { s.rnd = rnd }
}

// NewSimulator builds a simulator for one session context. Unknown emotions
// use the neutral script.
func NewSimulator(e therapy.Emotion, intensity int, opts ...SimulatorOption) *Simulator {
	if _, ok := scripts[e]; !ok {
		e = therapy.Neutral
	}
	now := uint64(time.Now().UnixNano())
	s := &Simulator{
		emotion:   e,
		intensity: therapy.ClampIntensity(intensity),
		rnd:       rand.New(rand.NewPCG(now, now>>32)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Emotion returns the script the simulator answers from.
func (s *Simulator) Emotion() therapy.Emotion { return s.emotion }

// Generate never fails and never returns an empty string.
func (s *Simulator) Generate(_ context.Context, history []therapy.Message, latest therapy.Message) (string, error) {
	return s.Reply(history, latest.Content), nil
}

// Reply picks the response text for one user message.
func (s *Simulator) Reply(history []therapy.Message, text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	turn := assistantTurns(history)

	if reply, ok := matchRules(scripts[s.emotion].rules, normalized, turn); ok {
		return reply
	}
	if tone := emotion.Analyze(normalized); tone.Emotion != s.emotion {
		if reply, ok := matchRules(scripts[tone.Emotion].rules, normalized, turn); ok {
			return reply
		}
	}

	general := scripts[s.emotion].general
	if len(general) == 0 {
		return lastResortReply
	}
	s.mu.Lock()
	idx := s.rnd.IntN(len(general))
	s.mu.Unlock()
	return general[idx]
}

// Welcome is the opening line for a session.
func (s *Simulator) Welcome() string {
	welcome := scripts[s.emotion].welcome
	if s.intensity >= 7 && s.emotion != therapy.Happiness && s.emotion != therapy.Neutral {
		welcome += fmt.Sprintf(" You rated this at %d out of %d, so let's go gently.", s.intensity, therapy.MaxIntensity)
	}
	return welcome
}

// Closing is the line appended when the session ends.
func (s *Simulator) Closing() string {
	if closing := scripts[s.emotion].closing; closing != "" {
		return closing
	}
	return scripts[therapy.Neutral].closing
}

// matchRules returns a reply from the first rule with a matching keyword.
// Replies of one rule rotate by turn so consecutive answers differ.
func matchRules(rules []rule, text string, turn int) (string, bool) {
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(text, kw) {
				return r.replies[turn%len(r.replies)], true
			}
		}
	}
	return "", false
}

func assistantTurns(history []therapy.Message) int {
	n := 0
	for _, m := range history {
		if m.Role == therapy.RoleAssistant {
			n++
		}
	}
	return n
}

// Templates returns every reply the simulator could give for e. Used to
// check membership.
func Templates(e therapy.Emotion) []string {
	sc, ok := scripts[e]
	if !ok {
		sc = scripts[therapy.Neutral]
	}
	var out []string
	for _, r := range sc.rules {
		out = append(out, r.replies...)
	}
	return append(out, sc.general...)
}
