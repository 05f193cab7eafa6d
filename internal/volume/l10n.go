package volume

import (
	"os"
	"strings"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	msgAudioDisc        = "Audio Disc"
	msgUnlockPartition  = "Enter a password to unlock the volume\nThe device %q contains encrypted data on partition %d."
	msgUnlockDrive      = "Enter a password to unlock the volume\nThe device %q contains encrypted data."
	msgUnlockDeviceFile = "Enter a password to unlock the volume\nThe device %s contains encrypted data."
)

func init() {
	for _, t := range []struct {
		tag   language.Tag
		key   string
		value string
	}{
		{language.German, msgAudioDisc, "Audio-CD"},
		{language.German, msgUnlockPartition, "Geben Sie ein Passwort ein, um den Datenträger zu entsperren\nDas Gerät %q enthält verschlüsselte Daten auf Partition %d."},
		{language.German, msgUnlockDrive, "Geben Sie ein Passwort ein, um den Datenträger zu entsperren\nDas Gerät %q enthält verschlüsselte Daten."},
		{language.German, msgUnlockDeviceFile, "Geben Sie ein Passwort ein, um den Datenträger zu entsperren\nDas Gerät %s enthält verschlüsselte Daten."},
		{language.French, msgAudioDisc, "CD audio"},
		{language.French, msgUnlockPartition, "Saisissez un mot de passe pour déverrouiller le volume\nLe périphérique %q contient des données chiffrées sur la partition %d."},
		{language.French, msgUnlockDrive, "Saisissez un mot de passe pour déverrouiller le volume\nLe périphérique %q contient des données chiffrées."},
		{language.French, msgUnlockDeviceFile, "Saisissez un mot de passe pour déverrouiller le volume\nLe périphérique %s contient des données chiffrées."},
		{language.Spanish, msgAudioDisc, "Disco de audio"},
	} {
		_ = message.SetString(t.tag, t.key, t.value)
	}
}

var (
	defaultPrinterOnce sync.Once
	defaultPrinter     *message.Printer
)

// DefaultPrinter returns the printer for the process locale, taken from
// LC_ALL, LC_MESSAGES or LANG in that order.
func DefaultPrinter() *message.Printer {
	defaultPrinterOnce.Do(func() {
		locale := ""
		for _, env := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
			if locale = os.Getenv(env); locale != "" {
				break
			}
		}
		defaultPrinter = NewPrinter(locale)
	})
	return defaultPrinter
}

// NewPrinter returns a printer for a POSIX locale name such as
// "de_DE.UTF-8". Unknown or empty locales fall back to English.
func NewPrinter(locale string) *message.Printer {
	return message.NewPrinter(parseLocale(locale))
}

func parseLocale(locale string) language.Tag {
	if i := strings.IndexAny(locale, ".@"); i >= 0 {
		locale = locale[:i]
	}
	if locale == "" || locale == "C" || locale == "POSIX" {
		return language.English
	}
	tag, err := language.Parse(strings.ReplaceAll(locale, "_", "-"))
	if err != nil {
		return language.English
	}
	return tag
}
