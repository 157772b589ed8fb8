package notify

import (
	"fmt"
	"regexp"
	"strings"
)

// SMSMaxLength is the longest body sent in one SMS request.
const SMSMaxLength = 1600

var (
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	e164Pattern  = regexp.MustCompile(`^\+\d{10,15}$`)
	localPattern = regexp.MustCompile(`^\d{10}$`)
	phoneStrip   = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
)

func ValidEmail(addr string) bool {
	return emailPattern.MatchString(strings.TrimSpace(addr))
}

// NormalizePhone strips separators and returns an E.164 number. Ten bare digits are
// taken as a North American number.
func NormalizePhone(phone string) (string, error) {
	p := phoneStrip.Replace(strings.TrimSpace(phone))
	switch {
	case e164Pattern.MatchString(p):
		return p, nil
	case localPattern.MatchString(p):
		return "+1" + p, nil
	}
	return "", fmt.Errorf("phone %q: %w", phone, ErrInvalidRecipient)
}

// ValidateRecipient checks the address format for a channel.
func ValidateRecipient(channel, to string) error {
	switch channel {
	case ChannelEmail:
		if !ValidEmail(to) {
			return fmt.Errorf("email %q: %w", to, ErrInvalidRecipient)
		}
		return nil
	case ChannelSMS:
		_, err := NormalizePhone(to)
		return err
	}
	return fmt.Errorf("channel %q: %w", channel, ErrInvalidRecipient)
}

// TruncateSMS shortens body to SMSMaxLength characters with a trailing ellipsis.
func TruncateSMS(body string) string {
	runes := []rune(body)
	if len(runes) <= SMSMaxLength {
		return body
	}
	return string(runes[:SMSMaxLength-3]) + "..."
}
