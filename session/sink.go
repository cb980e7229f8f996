package session

import (
	"chat-session/models"
	"chat-session/proposal"
)

// frameSink applies routed frames to the log. The router only calls it from
// handleFrame, which already holds the session lock.
type frameSink struct{ s *Session }

func (f frameSink) RetractThinking() { f.s.retractThinkingLocked() }

func (f frameSink) SetSending(sending bool) { f.s.sending = sending }

func (f frameSink) Status(text string) {
	f.s.appendText(models.KindSystem, text)
}

func (f frameSink) Email(g models.GeneratedEmail) {
	p := models.NewEmailPayload(g)
	p.BodyHTML = f.s.formatter.BackendHTML(p.BodyHTML)
	f.s.log.Append(models.Message{Kind: models.KindEmail, Email: &p})
}

func (f frameSink) AgentReply(text string, created map[string][]models.Record, hasData bool) {
	m := f.s.log.Append(models.Message{
		Kind:    models.KindAgent,
		Content: f.s.formatter.Message(text, false),
	})

	if hasData && len(created) == 0 {
		f.s.appendText(models.KindSystem, "✓ Data processed")
	}
	if len(created) > 0 {
		f.s.enrichAgent(m.ID, text, created)
	}
}

func (f frameSink) BackendError(text string) {
	f.s.appendText(models.KindError, text)
}

func (f frameSink) ReviewProposal(prompt string, pf models.ProposalFrame) {
	p := proposal.New(prompt, pf, f.s.log.NextKey)
	m := f.s.log.Append(models.Message{Kind: models.KindReviewProposal, Proposal: &p})

	if len(pf.RelatedRecords) > 0 {
		f.s.enrichProposal(m.ID, pf.RelatedRecords)
	}
}

func (f frameSink) Confirmation(prompt string, options []string) {
	if len(options) == 0 {
		options = models.DefaultConfirmationOptions
	}
	f.s.log.Append(models.Message{
		Kind: models.KindConfirmation,
		Confirmation: &models.ConfirmationPayload{
			Prompt:  prompt,
			Options: append([]string(nil), options...),
		},
	})
}
