// internal/services/prompt_builder.go
package services

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Corphon/NovelIntruder/internal/models"
)

// PromptInput carries everything the prompt text is built from.
type PromptInput struct {
	Context    string
	Prompt     string
	AnchorInfo *models.AnchorInfo
	Globals    models.GlobalState
	Plan       GenerationPlan
	Summary    string
	Memory     string
}

// PromptBuilder renders the system and user messages for one generation call.
type PromptBuilder interface {
	Build(in PromptInput) (system, user string)
}

// StoryPromptBuilder 默认的中文故事脚本提示词
type StoryPromptBuilder struct{}

func (StoryPromptBuilder) Build(in PromptInput) (string, string) {
	return buildSystemPrompt(in), buildUserMessage(in)
}

func buildSystemPrompt(in PromptInput) string {
	p := in.Plan.Profile
	deviation := in.Globals.Deviation * 100

	var b strings.Builder
	b.WriteString("你是一个专业的交互式小说生成器，专门创作忠实于原著的角色扮演故事。\n\n")
	b.WriteString("## 当前生成约束\n\n")
	b.WriteString("| unit_type | min | max | 说明 |\n|---|---|---|---|\n")
	fmt.Fprintf(&b, "| narration | %d | %d | 场景描写与氛围渲染，避免冗余 |\n", p.Narration.Min, p.Narration.Max)
	fmt.Fprintf(&b, "| dialogue | %d | %d | 角色对话，包含内心独白转化的对话 |\n", p.Dialogue.Min, p.Dialogue.Max)
	b.WriteString("| interaction | 1 | 1 | 玩家选择点，只能在结尾 |\n\n")
	if p.Ratio != "" {
		fmt.Fprintf(&b, "**本轮请保持叙述与对话数量比 ≈ %s**\n\n", p.Ratio)
	}
	if p.Emphasis != "" {
		fmt.Fprintf(&b, "%s\n\n", p.Emphasis)
	}

	b.WriteString("## 核心规则\n\n")
	b.WriteString("1. 将角色的内心思考转换为\"角色名（内心）：思考内容\"的对话形式，但不得强行将旁白改成人物对话。\n")
	b.WriteString("2. 在不违背原著的前提下，优先使用角色对话推进剧情。\n")
	b.WriteString("3. 必须按照 generate_story_script 的参数结构输出，required_counts 记录实际数量。\n")
	fmt.Fprintf(&b, "4. 当前偏离度为 %.1f%%：%s\n", deviation, deviationGuidance(deviation))
	b.WriteString("5. 严格保持角色性格、语言习惯和能力设定的一致性。\n")
	b.WriteString("6. 脚本必须以唯一一个 interaction 单元结尾，并提供 choice_id 和 default_reply。\n\n")

	b.WriteString("## 输入分区\n\n")
	b.WriteString("<MEMORY> 之前的剧情摘要；<CHARACTERS> 角色好感度；<NORMAL_TEXT> 原文；")
	b.WriteString("<ANCHOR_TEXT> 锚点原文；<PLAYER_CHOICE> 玩家的选择。\n\n")
	b.WriteString("deviation_delta 以百分点表示（-20 到 20），new_deviation 为应用后的偏离度（0 到 100），并在 deviation_reasoning 中说明理由。\n")
	return b.String()
}

func deviationGuidance(deviation float64) string {
	switch {
	case deviation <= 5:
		return "几乎完全按原文生成，只做必要的适配"
	case deviation <= 30:
		return "在原文与玩家选择之间取得平衡，保持主线剧情"
	case deviation <= 60:
		return "回应玩家选择，同时通过角色行动逐步靠拢主线"
	default:
		return "必须通过角色行动和对话引导剧情回归主线"
	}
}

func buildUserMessage(in PromptInput) string {
	var b strings.Builder

	memory := strings.TrimSpace(strings.Join(nonBlank(in.Summary, in.Memory), "\n\n"))
	if memory != "" {
		fmt.Fprintf(&b, "<MEMORY>\n%s\n</MEMORY>\n\n", memory)
	}
	if chars := formatAffinity(in.Globals.Affinity); chars != "" {
		fmt.Fprintf(&b, "<CHARACTERS>\n%s\n</CHARACTERS>\n\n", chars)
	}

	fmt.Fprintf(&b, "<NORMAL_TEXT>\n%s\n</NORMAL_TEXT>\n\n", in.Context)

	if a := in.AnchorInfo; a != nil {
		b.WriteString("<ANCHOR_TEXT>\n")
		fmt.Fprintf(&b, "锚点ID: %s\n", a.AnchorID)
		if a.Brief != "" {
			fmt.Fprintf(&b, "锚点描述: %s\n", a.Brief)
		}
		if a.Type != "" {
			fmt.Fprintf(&b, "锚点类型: %s\n", a.Type)
		}
		if len(a.Characters) > 0 {
			fmt.Fprintf(&b, "相关角色: %s\n", strings.Join(a.Characters, ", "))
		}
		if a.AnchorText != "" {
			fmt.Fprintf(&b, "%s\n", a.AnchorText)
		}
		b.WriteString("</ANCHOR_TEXT>\n")
		b.WriteString("最终的 interaction 事件必须与锚点描述一致。\n\n")
	}

	fmt.Fprintf(&b, "<PLAYER_CHOICE>\n%s\n</PLAYER_CHOICE>\n\n", in.Prompt)

	fmt.Fprintf(&b, "当前游戏状态：偏离度 %.2f%%，故事标记 %s，游戏变量 %s\n",
		in.Globals.Deviation*100, compactJSON(in.Globals.Flags), compactJSON(in.Globals.Variables))
	fmt.Fprintf(&b, "目标配比：叙述 %d 个，对话 %d 个，交互 %d 个。\n",
		in.Plan.Narration, in.Plan.Dialogue, in.Plan.Interaction)
	if n := len([]rune(in.Context)); n > 0 {
		fmt.Fprintf(&b, "生成内容总长度应为原文的 90%%-110%%（约 %d-%d 字）。\n", n*9/10, n*11/10)
	}
	b.WriteString("请严格基于原文生成故事脚本，并以唯一的 interaction 单元结尾。\n")
	return b.String()
}

func nonBlank(parts ...string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

func formatAffinity(affinity map[string]float64) string {
	if len(affinity) == 0 {
		return ""
	}
	names := make([]string, 0, len(affinity))
	for name := range affinity {
		names = append(names, name)
	}
	sort.Strings(names)
	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("%s: 好感度 %.0f", name, affinity[name]))
	}
	return strings.Join(lines, "\n")
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
