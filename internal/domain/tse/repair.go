package tse

import "strings"

// Known garbled sequences seen in TSE exports. The first group is UTF-8
// text that was decoded as Windows-1252 or Latin-1 and re-encoded, which
// turns every accented letter into a two-rune sequence starting with "Ã" or
// "Â". The second group covers specific names where the export replaced the
// accented letter with U+FFFD and the letter cannot be recovered from the
// bytes alone.
//
// This is a fixed table, not charset detection. Sequences outside it pass
// through untouched.
var repairPairs = []string{
	"Ã€", "À",
	"Ã\u0080", "À",
	"Ã\u0081", "Á",
	"Ã‚", "Â",
	"Ã\u0082", "Â",
	"Ãƒ", "Ã",
	"Ã\u0083", "Ã",
	"Ã‡", "Ç",
	"Ã\u0087", "Ç",
	"Ã‰", "É",
	"Ã\u0089", "É",
	"ÃŠ", "Ê",
	"Ã\u008a", "Ê",
	"Ã\u008d", "Í",
	"Ã“", "Ó",
	"Ã\u0093", "Ó",
	"Ã”", "Ô",
	"Ã\u0094", "Ô",
	"Ã•", "Õ",
	"Ã\u0095", "Õ",
	"Ãš", "Ú",
	"Ã\u009a", "Ú",
	"Ãœ", "Ü",
	"Ã\u009c", "Ü",
	"Ã\u00a0", "à",
	"Ã¡", "á",
	"Ã¢", "â",
	"Ã£", "ã",
	"Ã§", "ç",
	"Ã©", "é",
	"Ãª", "ê",
	"Ã\u00ad", "í",
	"Ã³", "ó",
	"Ã´", "ô",
	"Ãµ", "õ",
	"Ãº", "ú",
	"Ã¼", "ü",
	"Âº", "º",
	"Âª", "ª",
	"Â°", "°",

	"CRICI\ufffdMA", "CRICIÚMA",
	"FLORIAN\ufffdPOLIS", "FLORIANÓPOLIS",
	"S\ufffdO JOS\ufffd", "SÃO JOSÉ",
	"BALNE\ufffdRIO CAMBORI\ufffd", "BALNEÁRIO CAMBORIÚ",
	"CHAPEC\ufffd", "CHAPECÓ",
	"JARAGU\ufffd DO SUL", "JARAGUÁ DO SUL",
	"ITAJA\ufffd", "ITAJAÍ",
	"CONC\ufffdRDIA", "CONCÓRDIA",
	"CRISCI\ufffdMA", "CRICIÚMA",
	"ELEI\ufffd\ufffdO", "ELEIÇÃO",
	"ORDIN\ufffdRIA", "ORDINÁRIA",
	"S\ufffdO PAULO", "SÃO PAULO",
	"BRAS\ufffdLIA", "BRASÍLIA",
}

var repairer = strings.NewReplacer(repairPairs...)

// Repair rewrites known garbled sequences to their accented form. Strings
// without any marker rune are returned as-is without allocating.
func Repair(s string) string {
	if !strings.ContainsAny(s, "ÃÂ\ufffd") {
		return s
	}
	return repairer.Replace(s)
}
