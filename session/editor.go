package session

import (
	"fmt"
	"slices"

	"chat-session/models"
	"chat-session/proposal"
)

// updateProposalLocked replaces the proposal payload of entry id with fn's
// result. Rejected edits leave the entry untouched.
func (s *Session) updateProposalLocked(id models.MessageID, fn func(models.ProposalPayload) (models.ProposalPayload, error)) (models.Message, error) {
	return s.log.Update(id, func(m models.Message) (models.Message, error) {
		if m.Kind != models.KindReviewProposal || m.Proposal == nil {
			return m, fmt.Errorf("message %d is %s: %w", id, m.Kind, ErrWrongKind)
		}
		p, err := fn(*m.Proposal)
		if err != nil {
			return m, err
		}
		m.Proposal = &p
		return m, nil
	})
}

func (s *Session) ToggleEdit(id models.MessageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.updateProposalLocked(id, proposal.ToggleEdit)
	return err
}

// AddField appends an empty custom row and returns its key.
func (s *Session) AddField(id models.MessageID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.log.NextKey("custom")
	_, err := s.updateProposalLocked(id, func(p models.ProposalPayload) (models.ProposalPayload, error) {
		return proposal.AddField(p, key)
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

func (s *Session) SetFieldValue(id models.MessageID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.updateProposalLocked(id, func(p models.ProposalPayload) (models.ProposalPayload, error) {
		return proposal.SetFieldValue(p, key, value)
	})
	return err
}

func (s *Session) SetFieldName(id models.MessageID, key, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.updateProposalLocked(id, func(p models.ProposalPayload) (models.ProposalPayload, error) {
		return proposal.SetFieldName(p, key, name)
	})
	return err
}

// Proceed locks the proposal and sends the confirmation instruction. The
// proposal stays proceeded even if the send fails.
func (s *Session) Proceed(id models.MessageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var text string
	_, err := s.updateProposalLocked(id, func(p models.ProposalPayload) (models.ProposalPayload, error) {
		next, instruction, err := proposal.Proceed(p)
		text = instruction
		return next, err
	})
	if err != nil {
		return err
	}
	return s.sendLocked(text, proposal.ProceedLabel)
}

// MarkSaved flags a proposal or email card as saved and asks the backend to
// save it. Repeated calls send again.
func (s *Session) MarkSaved(id models.MessageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.log.Update(id, func(m models.Message) (models.Message, error) {
		switch {
		case m.Kind == models.KindReviewProposal && m.Proposal != nil:
			p := proposal.MarkSaved(*m.Proposal)
			m.Proposal = &p
		case m.Kind == models.KindEmail && m.Email != nil:
			m.Email.IsSaved = true
		default:
			return m, fmt.Errorf("message %d is %s: %w", id, m.Kind, ErrWrongKind)
		}
		return m, nil
	})
	if err != nil {
		return err
	}
	return s.sendLocked(s.saveInstruction, SaveLabel)
}

// SelectOption answers a confirmation and sends the chosen option.
func (s *Session) SelectOption(id models.MessageID, option string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.log.Update(id, func(m models.Message) (models.Message, error) {
		c := m.Confirmation
		if m.Kind != models.KindConfirmation || c == nil {
			return m, fmt.Errorf("message %d is %s: %w", id, m.Kind, ErrWrongKind)
		}
		if c.Answered {
			return m, ErrAlreadyAnswered
		}
		if !slices.Contains(c.Options, option) {
			return m, fmt.Errorf("%q: %w", option, ErrUnknownOption)
		}
		c.Answered = true
		c.Choice = option
		return m, nil
	})
	if err != nil {
		return err
	}
	return s.sendLocked(option, option)
}
