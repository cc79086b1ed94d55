package devicedb

import (
	"github.com/alecthomas/participle/v2/lexer"
)

// descLexer tokenises device descriptor files.
var descLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `#[^\n]*`},
	{Name: "Whitespace", Pattern: `[\s\t\n\r]+`},
	{Name: "String", Pattern: `"(?:[^"\\]|\\.)*"`},
	{Name: "Hex", Pattern: `0[xX][0-9a-fA-F_]+`},
	{Name: "Int", Pattern: `[0-9]+[kKmM]?`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Punct", Pattern: `[{}]`},
})
