package mq

import "strings"

// MatchTopic проверяет, подходит ли routing key под шаблон topic-привязки.
//
// Слова разделяются точкой:
//   - "*" — ровно одно слово
//   - "#" — ноль или больше слов
func MatchTopic(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			// Схлопываем подряд идущие "#"
			rest := pattern[1:]
			for len(rest) > 0 && rest[0] == "#" {
				rest = rest[1:]
			}
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(rest, key[i:]) {
					return true
				}
			}
			return false

		case "*":
			if len(key) == 0 {
				return false
			}

		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}

		pattern = pattern[1:]
		key = key[1:]
	}

	return len(key) == 0
}
