package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/tavern-chat/internal/model/chat"
)

// DefaultSystemPrompt 在未配置 AI_SYSTEM_PROMPT 时使用。
const DefaultSystemPrompt = `你是酒馆里一位友好、耐心的助手。回答要准确、简洁，用用户使用的语言回复。
如果用户附带了文件，请结合文件信息回答；无法读取文件内容时要如实说明。`

// historyLimit 限制送入模型的历史消息条数。
const historyLimit = 10

// PromptBuilder 负责组装系统提示词与用户输入。
type PromptBuilder struct {
	system string
	rules  []string
}

// NewPromptBuilder 创建提示词构建器，system 为空时使用默认提示词。
func NewPromptBuilder(system string) *PromptBuilder {
	if strings.TrimSpace(system) == "" {
		system = DefaultSystemPrompt
	}
	return &PromptBuilder{
		system: system,
		rules: []string{
			"不要编造不存在的文件内容",
			"代码请使用 Markdown 代码块",
		},
	}
}

// SystemPrompt 返回完整的系统提示词。
func (b *PromptBuilder) SystemPrompt() string {
	return fmt.Sprintf("%s\n\n对话规则：\n- %s", b.system, strings.Join(b.rules, "\n- "))
}

// Query 把用户消息（含附件描述）转换为模型输入文本。
func (b *PromptBuilder) Query(msg chat.StoredMessage) string {
	if msg.FileURL == "" {
		return msg.Content
	}

	name := msg.FileName
	if name == "" {
		name = chat.FileNameFromURL(msg.FileURL)
	}
	note := fmt.Sprintf("[附件: %s", name)
	if msg.MimeType != "" {
		note += " (" + msg.MimeType + ")"
	}
	note += " " + msg.FileURL + "]"

	if msg.Content == "" {
		return note
	}
	return msg.Content + "\n" + note
}
