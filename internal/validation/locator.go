// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"
	"unicode"
)

const locatorLength = 6

// NormalizeLocator проверяет код бронирования авиакомпании (6 латинских букв или цифр)
// и возвращает его в верхнем регистре.
func NormalizeLocator(locator string) (string, bool) {
	locator = strings.ToUpper(strings.TrimSpace(locator))
	if len(locator) != locatorLength {
		return "", false
	}

	for i := 0; i < len(locator); i++ {
		ch := rune(locator[i])
		if !unicode.IsDigit(ch) && (ch < 'A' || ch > 'Z') {
			return "", false
		}
	}

	return locator, true
}
