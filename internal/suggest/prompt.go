package suggest

import (
	"fmt"
	"strings"

	"askbotgo/internal/models"
)

// AssistantSystemPrompt steers the manager-facing assistant inside a
// companion dialog.
const AssistantSystemPrompt = `Ты - умный помощник менеджера. Твоя задача - отвечать на вопросы менеджера, используя контекст диалога и прикрепленные файлы с данными.

Правила:
1. Ответ должен быть точным и информативным
2. Используй профессиональный, но дружелюбный тон
3. Если в запросе недостаточно информации, предложи уточняющие вопросы
4. Учитывай контекст предыдущих сообщений в диалоге
5. Если есть прикрепленные файлы с данными, используй их для формирования ответа`

const noHistoryPlaceholder = "Нет предыдущих сообщений"

// suggestionContextLimit caps how many trailing messages land in the prompt.
const suggestionContextLimit = 5

// BuildSuggestionPrompt renders the recommendation-plus-examples prompt for
// a client message. Only the last few context messages are included to keep
// the prompt short.
func BuildSuggestionPrompt(clientMessage, clientName string, contextMessages []models.Message, managerUserID string) string {
	return fmt.Sprintf(`ВАЖНО: Менеджеры пишут КОРОТКИЕ сообщения. Сформируй ответ в следующем формате:

**РЕКОМЕНДАЦИЯ:**
[Краткая рекомендация - 1-2 предложения о том, что ответить клиенту]

**ПРИМЕРЫ ОТВЕТОВ:**
1. [Первый готовый пример ответа - короткий, 2-3 предложения, можно скопировать и отправить]
2. [Второй готовый пример ответа - альтернативный вариант, короткий, 2-3 предложения]

Требования:
- Рекомендация: максимум 2 предложения
- Каждый пример: максимум 2-3 предложения (50-100 слов)
- Примеры должны быть готовыми к использованию (можно скопировать и отправить)
- Тон: профессиональный, но дружелюбный

Клиент %s написал: "%s"

Контекст (последние сообщения):
%s

Сформируй рекомендацию и примеры ответов для менеджера.`,
		clientName, clientMessage, contextBlock(contextMessages, managerUserID, ""))
}

// BuildAssistantPrompt renders the prompt for answering a manager question
// asked directly inside a companion dialog.
func BuildAssistantPrompt(managerMessage string, contextMessages []models.Message, managerUserID, botUserID string) string {
	return fmt.Sprintf(`Менеджер написал: "%s"

Контекст диалога:
%s

Ответь на вопрос менеджера, используя контекст и прикрепленные файлы.`,
		managerMessage, contextBlock(contextMessages, managerUserID, botUserID))
}

func contextBlock(msgs []models.Message, managerUserID, botUserID string) string {
	if len(msgs) > suggestionContextLimit {
		msgs = msgs[len(msgs)-suggestionContextLimit:]
	}
	if len(msgs) == 0 {
		return noHistoryPlaceholder
	}
	lines := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		sender := msg.SenderName()
		switch {
		case msg.SenderID == managerUserID:
			sender = "Менеджер"
		case botUserID != "" && msg.SenderID == botUserID:
			sender = "Бот-компаньон"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", sender, msg.Content))
	}
	return strings.Join(lines, "\n")
}
