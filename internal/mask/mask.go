// Package mask redacts citizen identifiers before they reach logs or responses.
package mask

import "strings"

// Phone masks a phone number for logging (e.g., +91******89)
func Phone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return phone[:2] + strings.Repeat("*", len(phone)-4) + phone[len(phone)-2:]
}

// Account keeps only the last four characters of an account number
func Account(account string) string {
	if len(account) <= 4 {
		return strings.Repeat("*", len(account))
	}
	return strings.Repeat("*", len(account)-4) + account[len(account)-4:]
}
