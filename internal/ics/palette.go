package ics

// DefaultPalette is the set of colors given to categories minted on import.
var DefaultPalette = []string{
	"#3b82f6",
	"#ef4444",
	"#10b981",
	"#f59e0b",
	"#8b5cf6",
	"#ec4899",
	"#14b8a6",
	"#f97316",
}

// DefaultEmoji marks categories minted on import.
const DefaultEmoji = "📅"
