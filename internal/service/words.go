package service

import (
	"regexp"
	"strings"
	"unicode"
)

var urlPattern = regexp.MustCompile(`https?://\S+`)

// CountWords 统计消息词数
// URL 和 emoji 不计入词数，其余按空白字符切分
func CountWords(message string) int64 {
	if message == "" {
		return 0
	}
	cleaned := urlPattern.ReplaceAllString(message, " ")
	cleaned = strings.Map(func(r rune) rune {
		if isEmoji(r) {
			return ' '
		}
		return r
	}, cleaned)
	return int64(len(strings.FieldsFunc(cleaned, unicode.IsSpace)))
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1F5FF, // 符号和象形文字
		r >= 0x1F600 && r <= 0x1F64F, // 表情
		r >= 0x1F680 && r <= 0x1F6FF, // 交通和地图
		r >= 0x1F900 && r <= 0x1F9FF, // 补充符号
		r >= 0x2600 && r <= 0x26FF,   // 杂项符号
		r >= 0x2700 && r <= 0x27BF,   // 装饰符号
		r == 0xFE0F, r == 0x200D:     // 变体选择符、零宽连接符
		return true
	}
	return false
}

// WordsToCredits 词数换算积分，不足一个积分按一个积分计
func WordsToCredits(words, wordsPerCredit int64) int64 {
	if words <= 0 {
		return 0
	}
	return (words + wordsPerCredit - 1) / wordsPerCredit
}

// CreditsToWords 积分可发送的词数
func CreditsToWords(credits, wordsPerCredit int64) int64 {
	if credits <= 0 {
		return 0
	}
	return credits * wordsPerCredit
}
