package mail

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifierRendersVerificationEmail(t *testing.T) {
	sender := NewLogSender(nil)
	n := NewNotifier(sender, "https://app.blueroots.org/")

	err := n.SendVerification(context.Background(), "ada@example.org", "Ada <Lovelace>", "123456", "15 minutes")
	require.NoError(t, err)

	sent := sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "ada@example.org", sent[0].To)
	assert.Equal(t, "Verify your BlueRoots account", sent[0].Subject)
	assert.Contains(t, sent[0].Body, "123456")
	assert.Contains(t, sent[0].Body, "15 minutes")
	assert.Contains(t, sent[0].Body, "Ada &lt;Lovelace&gt;")
	assert.Contains(t, sent[0].Body, "https://app.blueroots.org/verify-email?code=123456")
}

func TestNotifierRendersResetEmailWithoutLink(t *testing.T) {
	sender := NewLogSender(nil)
	n := NewNotifier(sender, "")

	require.NoError(t, n.SendPasswordReset(context.Background(), "ada@example.org", "Ada", "654321", "15 minutes"))

	sent := sender.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Body, "password reset code")
	assert.Contains(t, sent[0].Body, "654321")
	assert.NotContains(t, sent[0].Body, "href")
}

func TestNewSMTPSenderValidates(t *testing.T) {
	_, err := NewSMTPSender(SMTPConfig{From: "noreply@blueroots.org"})
	assert.Error(t, err)
	_, err = NewSMTPSender(SMTPConfig{Host: "smtp.example.org"})
	assert.Error(t, err)

	s, err := NewSMTPSender(SMTPConfig{Host: "smtp.example.org", From: "noreply@blueroots.org", Username: "u", Password: "p"})
	require.NoError(t, err)
	assert.Equal(t, 587, s.cfg.Port)
}

func TestBuildMessageRejectsBadRecipient(t *testing.T) {
	_, err := buildMessage("noreply@blueroots.org", "not an address", "s", "b")
	assert.Error(t, err)

	msg, err := buildMessage("noreply@blueroots.org", "ada@example.org", "Hello", "<p>x</p>")
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello"}, msg.GetGenHeader("Subject"))
}

func TestDeliveryErrorUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := error(&DeliveryError{To: "ada@example.org", Err: cause})
	assert.ErrorIs(t, err, cause)
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Contains(t, err.Error(), "ada@example.org")
}
