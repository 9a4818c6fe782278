package email

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/Dan9191/coop-ledger/internal/config"
	"github.com/Dan9191/coop-ledger/internal/models"
	"github.com/jordan-wright/email"
	"github.com/sirupsen/logrus"
)

// Sender handles sending member notifications via SMTP
type Sender struct {
	cfg    *config.Config
	logger *logrus.Logger
	send   func(e *email.Email) error
}

// NewSender creates a new email sender
func NewSender(cfg *config.Config, logger *logrus.Logger) *Sender {
	s := &Sender{
		cfg:    cfg,
		logger: logger,
	}
	s.send = s.smtpSend
	return s
}

func (s *Sender) smtpSend(e *email.Email) error {
	addr := fmt.Sprintf("%s:%s", s.cfg.SMTPHost, s.cfg.SMTPPort)
	auth := smtp.PlainAuth("", s.cfg.SMTPUsername, s.cfg.SMTPPassword, s.cfg.SMTPHost)
	return e.Send(addr, auth)
}

func (s *Sender) newEmail(to, subject, body string) *email.Email {
	e := email.NewEmail()
	e.From = s.cfg.SenderEmail
	e.To = []string{to}
	e.Subject = subject
	e.Text = []byte(body + "\nBest regards,\nCooperative Back Office")
	return e
}

func (s *Sender) deliver(e *email.Email) error {
	if !s.cfg.MailEnabled() {
		s.logger.Debugf("SMTP disabled, skipping email to %v: %s", e.To, e.Subject)
		return nil
	}
	if err := s.send(e); err != nil {
		s.logger.Errorf("Failed to send email to %v: %v", e.To, err)
		return fmt.Errorf("failed to send email: %w", err)
	}
	s.logger.Infof("Email sent to %v: %s", e.To, e.Subject)
	return nil
}

// LoanReleased notifies a member that loan proceeds were credited
func (s *Sender) LoanReleased(ctx context.Context, member models.Member, loan models.Loan) error {
	body := fmt.Sprintf("Dear %s,\n\n", member.Name)
	body += fmt.Sprintf(
		"Your %s loan #%d of %s has been released.\n"+
			"Deductions: %s (previous loan balance %s, RLPF %s)\n"+
			"Net proceeds of %s were credited to account %d.\n",
		loan.LoanType, loan.ID, loan.Principal.StringFixed(2),
		loan.Deductions.StringFixed(2), loan.PreviousLoanBalance.StringFixed(2), loan.RLPF.StringFixed(2),
		loan.NetProceeds.StringFixed(2), loan.AccountID,
	)
	return s.deliver(s.newEmail(member.Email, "Loan Released", body))
}

// PaymentReceived sends a receipt for a scheduled loan payment
func (s *Sender) PaymentReceived(ctx context.Context, member models.Member, loan models.Loan, entry models.AmortizationEntry) error {
	body := fmt.Sprintf("Dear %s,\n\n", member.Name)
	body += fmt.Sprintf(
		"We received payment %d of %d for loan #%d.\n"+
			"Amount paid: %s (principal %s, interest %s)\n"+
			"Remaining balance: %s\n",
		entry.PaymentNumber, loan.TermMonths, loan.ID,
		entry.PaidAmount.StringFixed(2), entry.Principal.StringFixed(2), entry.Interest.StringFixed(2),
		entry.RemainingBalance.StringFixed(2),
	)
	if loan.Status == models.LoanPaid {
		body += "This loan is now fully paid.\n"
	}
	return s.deliver(s.newEmail(member.Email, "Loan Payment Receipt", body))
}

// AccountDormant tells a member their account was flagged dormant
func (s *Sender) AccountDormant(ctx context.Context, member models.Member, account models.Account, record models.DormancyRecord) error {
	last := "never"
	if record.LastTransactionAt != nil {
		last = record.LastTransactionAt.Format("2006-01-02")
	}
	body := fmt.Sprintf("Dear %s,\n\n", member.Name)
	body += fmt.Sprintf(
		"Your account %d has been classified as dormant on %s.\n"+
			"Last transaction: %s\n"+
			"Please visit the office to reactivate it.\n",
		account.ID, record.FlaggedAt.Format("2006-01-02"), last,
	)
	return s.deliver(s.newEmail(member.Email, "Account Dormancy Notice", body))
}
