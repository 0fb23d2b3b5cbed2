package embedding

import "strings"

// SymbolText builds the text embedded for a code symbol: the signature,
// followed by the doc comment when one exists. Symbols without a
// signature fall back to their qualified name so every symbol embeds to
// something non-empty.
func SymbolText(qualifiedName, signature, docComment string) string {
	text := strings.TrimSpace(signature)
	if text == "" {
		text = qualifiedName
	}
	if doc := strings.TrimSpace(docComment); doc != "" {
		text += "\n" + doc
	}
	return text
}
