// Package updates routes broker events: every message event is rebroadcast
// live, client messages trigger suggestion generation, manager messages
// inside a companion dialog trigger an assistant answer.
package updates

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"askbotgo/internal/chat"
	"askbotgo/internal/companion"
	"askbotgo/internal/config"
	"askbotgo/internal/gigachat"
	"askbotgo/internal/models"
	"askbotgo/internal/suggest"
)

const (
	clientContextLimit  = 10
	managerContextLimit = 20

	generationAttempts = 3
	generationBackoff  = 2 * time.Second
)

// DeliveryError means the generated message could not be persisted to the
// chat backend.
type DeliveryError struct {
	DialogID string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver message to dialog %s: %v", e.DialogID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Generator produces model output for a prompt with optional file
// attachments.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string, attachments []string) (*gigachat.Result, error)
}

// Resolver yields the companion dialog bound to a client dialog.
type Resolver interface {
	Resolve(ctx context.Context, clientDialogID, clientUserID, clientName string) (*companion.Resolved, error)
}

// History fetches recent dialog messages, oldest first.
type History interface {
	RecentHistory(ctx context.Context, dialogID string, limit int) ([]models.Message, error)
}

// FilesProvider lists file-store handles eligible as generation context.
type FilesProvider interface {
	EligibleHandles(ctx context.Context) ([]string, error)
}

// Sender persists messages to the chat backend.
type Sender interface {
	CreateMessage(ctx context.Context, dialogID string, req chat.CreateMessageRequest) (*models.Message, error)
}

// Tagger attaches meta annotations to persisted messages.
type Tagger interface {
	SetMessageKeys(ctx context.Context, messageID string, values map[string]any) error
}

// Broadcaster fans events out to live frontend connections.
type Broadcaster interface {
	Broadcast(event any)
}

// Router drives the per-event pipeline. It is safe for concurrent use; two
// events for the same dialog may be processed at once.
type Router struct {
	resolver Resolver
	history  History
	files    FilesProvider
	gen      Generator
	sender   Sender
	tags     Tagger
	hub      Broadcaster
	manager  config.IdentityConfig
	bot      config.IdentityConfig

	sleep func(time.Duration)
}

func NewRouter(resolver Resolver, history History, files FilesProvider, gen Generator,
	sender Sender, tags Tagger, hub Broadcaster, manager, bot config.IdentityConfig) *Router {
	return &Router{
		resolver: resolver,
		history:  history,
		files:    files,
		gen:      gen,
		sender:   sender,
		tags:     tags,
		hub:      hub,
		manager:  manager,
		bot:      bot,
		sleep:    time.Sleep,
	}
}

// OnUpdate handles one broker event. The live rebroadcast happens before any
// pipeline work and is never blocked by pipeline failure. The returned error
// reflects the pipeline outcome; the consumer decides requeueing.
func (r *Router) OnUpdate(ctx context.Context, update *models.Update) error {
	if !update.HasMessagePayload() {
		return nil
	}

	msg := update.Data.Message
	dialog := update.Data.Dialog
	r.backfillCreatedAt(msg, update)

	r.hub.Broadcast(map[string]any{
		"type": broadcastType(update.EventType),
		"data": update.Data,
	})

	switch {
	case msg.SenderID == r.bot.UserID:
		return nil
	case r.isCompanionDialog(dialog):
		if msg.SenderID != r.manager.UserID {
			return nil
		}
		if update.EventType != models.EventMessageCreate && update.EventType != models.EventMessageUpdate {
			return nil
		}
		return r.handleManagerMessage(ctx, msg, dialog)
	case update.EventType == models.EventMessageCreate && msg.SenderID != r.manager.UserID:
		return r.handleClientMessage(ctx, msg, dialog)
	default:
		return nil
	}
}

// handleClientMessage runs the suggestion pipeline for a message written by
// a client in a client dialog.
func (r *Router) handleClientMessage(ctx context.Context, msg *models.Message, dialog *models.Dialog) error {
	clientDialogID := dialog.ResolveID()
	clientName := msg.SenderName()

	resolved, err := r.resolver.Resolve(ctx, clientDialogID, msg.SenderID, clientName)
	if err != nil {
		return err
	}
	companionDialogID := resolved.Dialog.ResolveID()

	contextMessages, err := r.history.RecentHistory(ctx, clientDialogID, clientContextLimit)
	if err != nil {
		log.Printf("updates: context for dialog %s: %v", clientDialogID, err)
		contextMessages = nil
	}

	handles := r.fileHandles(ctx)

	r.mirrorClientMessage(ctx, companionDialogID, msg, clientDialogID, clientName)

	prompt := suggest.BuildSuggestionPrompt(msg.Content, clientName, contextMessages, r.manager.UserID)
	result, err := r.generateWithRetry(ctx, "", prompt, handles)
	if err != nil {
		return err
	}

	suggestion := suggest.Parse(result.Text)
	if suggestion.Empty() {
		log.Printf("updates: empty suggestion for message %s, suppressing", msg.ResolveID())
		return nil
	}

	sent, err := r.sender.CreateMessage(ctx, companionDialogID, chat.CreateMessageRequest{
		SenderID: r.bot.UserID,
		Type:     "internal.text",
		Content:  renderSuggestion(clientName, msg.Content, suggestion),
	})
	if err != nil {
		return &DeliveryError{DialogID: companionDialogID, Err: err}
	}

	r.tagMessage(ctx, sent, map[string]any{
		models.MetaClass:            "suggestion",
		models.MetaIsSuggestion:     true,
		models.MetaRelatedDialogID:  clientDialogID,
		models.MetaRelatedMessageID: msg.ResolveID(),
		models.MetaClientName:       clientName,
	})

	log.Printf("updates: suggestion delivered to dialog %s for message %s", companionDialogID, msg.ResolveID())
	return nil
}

// handleManagerMessage answers the manager inside a companion dialog using
// the companion dialog's own history and the file context.
func (r *Router) handleManagerMessage(ctx context.Context, msg *models.Message, dialog *models.Dialog) error {
	dialogID := dialog.ResolveID()

	contextMessages, err := r.history.RecentHistory(ctx, dialogID, managerContextLimit)
	if err != nil {
		log.Printf("updates: context for dialog %s: %v", dialogID, err)
		contextMessages = nil
	}

	prompt := suggest.BuildAssistantPrompt(msg.Content, contextMessages, r.manager.UserID, r.bot.UserID)
	result, err := r.generateWithRetry(ctx, suggest.AssistantSystemPrompt, prompt, r.fileHandles(ctx))
	if err != nil {
		return err
	}
	answer := strings.TrimSpace(result.Text)
	if answer == "" {
		log.Printf("updates: empty assistant answer for message %s, suppressing", msg.ResolveID())
		return nil
	}

	if _, err := r.sender.CreateMessage(ctx, dialogID, chat.CreateMessageRequest{
		SenderID: r.bot.UserID,
		Type:     "internal.text",
		Content:  answer,
	}); err != nil {
		return &DeliveryError{DialogID: dialogID, Err: err}
	}

	log.Printf("updates: assistant answer delivered to dialog %s", dialogID)
	return nil
}

// mirrorClientMessage copies the client's text into the companion dialog so
// the manager sees what the suggestion refers to. Best-effort.
func (r *Router) mirrorClientMessage(ctx context.Context, companionDialogID string, msg *models.Message, clientDialogID, clientName string) {
	sent, err := r.sender.CreateMessage(ctx, companionDialogID, chat.CreateMessageRequest{
		SenderID: r.bot.UserID,
		Type:     "internal.text",
		Content:  fmt.Sprintf("📩 Сообщение от клиента %s:\n\n%s", clientName, msg.Content),
	})
	if err != nil {
		log.Printf("updates: mirror client message into dialog %s: %v", companionDialogID, err)
		return
	}
	r.tagMessage(ctx, sent, map[string]any{
		models.MetaIsClientMessage:  true,
		models.MetaRelatedDialogID:  clientDialogID,
		models.MetaRelatedMessageID: msg.ResolveID(),
		models.MetaClientName:       clientName,
	})
}

// generateWithRetry retries transient generation failures with a fixed delay.
func (r *Router) generateWithRetry(ctx context.Context, systemPrompt, userPrompt string, attachments []string) (*gigachat.Result, error) {
	var lastErr error
	for attempt := 1; attempt <= generationAttempts; attempt++ {
		result, err := r.gen.Generate(ctx, systemPrompt, userPrompt, attachments)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !gigachat.IsTransient(err) || attempt == generationAttempts {
			break
		}
		log.Printf("updates: generation attempt %d/%d failed: %v", attempt, generationAttempts, err)
		r.sleep(generationBackoff)
	}
	return nil, lastErr
}

func (r *Router) fileHandles(ctx context.Context) []string {
	if r.files == nil {
		return nil
	}
	handles, err := r.files.EligibleHandles(ctx)
	if err != nil {
		log.Printf("updates: list file handles: %v", err)
		return nil
	}
	return handles
}

// tagMessage is best-effort; a message without tags is still useful.
func (r *Router) tagMessage(ctx context.Context, msg *models.Message, values map[string]any) {
	id := msg.ResolveID()
	if id == "" {
		return
	}
	if err := r.tags.SetMessageKeys(ctx, id, values); err != nil {
		log.Printf("updates: tag message %s: %v", id, err)
	}
}

func (r *Router) isCompanionDialog(dialog *models.Dialog) bool {
	return dialog.MetaString("type") == models.DialogTypeCompanionBot
}

// backfillCreatedAt fills a missing createdAt from the legacy timestamp
// field, then the event time, then now.
func (r *Router) backfillCreatedAt(msg *models.Message, update *models.Update) {
	if msg.CreatedAt != nil {
		return
	}
	if msg.Timestamp != nil {
		msg.CreatedAt = msg.Timestamp
		return
	}
	if update.CreatedAt != nil {
		msg.CreatedAt = update.CreatedAt
		return
	}
	msg.CreatedAt = time.Now().UnixMilli()
}

func broadcastType(eventType string) string {
	switch eventType {
	case models.EventMessageCreate:
		return "message.created"
	case models.EventMessageUpdate:
		return "message.updated"
	default:
		return eventType
	}
}

// renderSuggestion builds the persisted suggestion text: what the client
// wrote, the recommendation, then ready-to-send examples.
func renderSuggestion(clientName, clientMessage string, s models.Suggestion) string {
	var b strings.Builder
	fmt.Fprintf(&b, "💡 Подсказка для ответа клиенту %s:\n\n", clientName)
	fmt.Fprintf(&b, "Сообщение клиента: \"%s\"\n", companion.Excerpt(clientMessage))
	if s.Recommendation != "" {
		fmt.Fprintf(&b, "\nРекомендация:\n%s\n", s.Recommendation)
	}
	if len(s.Examples) > 0 {
		b.WriteString("\nПримеры ответов:\n")
		for i, example := range s.Examples {
			fmt.Fprintf(&b, "%d. %s\n", i+1, example)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
