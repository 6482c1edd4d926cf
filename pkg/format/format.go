// Package format renders parameter counts and memory sizes for human eyes.
package format

import "fmt"

const (
	Byte     = 1
	KiloByte = Byte * 1000
	MegaByte = KiloByte * 1000
	GigaByte = MegaByte * 1000
	TeraByte = GigaByte * 1000
)

// HumanBytes renders a byte count with decimal (SI) units, e.g. "13.5 GB".
func HumanBytes(b int64) string {
	switch {
	case b >= TeraByte:
		return fmt.Sprintf("%.1f TB", float64(b)/TeraByte)
	case b >= GigaByte:
		return fmt.Sprintf("%.1f GB", float64(b)/GigaByte)
	case b >= MegaByte:
		return fmt.Sprintf("%.1f MB", float64(b)/MegaByte)
	case b >= KiloByte:
		return fmt.Sprintf("%.1f KB", float64(b)/KiloByte)
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// HumanNumber renders a count the way model sizes are usually quoted,
// e.g. 6738415616 becomes "6.74B".
func HumanNumber(n uint64) string {
	const (
		thousand = 1000
		million  = thousand * 1000
		billion  = million * 1000
		trillion = billion * 1000
	)

	switch {
	case n >= trillion:
		return fmt.Sprintf("%sT", decimalPlace(float64(n)/trillion))
	case n >= billion:
		return fmt.Sprintf("%sB", decimalPlace(float64(n)/billion))
	case n >= million:
		return fmt.Sprintf("%sM", decimalPlace(float64(n)/million))
	case n >= thousand:
		return fmt.Sprintf("%sK", decimalPlace(float64(n)/thousand))
	default:
		return fmt.Sprintf("%d", n)
	}
}

// decimalPlace keeps roughly three significant digits.
func decimalPlace(number float64) string {
	switch {
	case number >= 100:
		return fmt.Sprintf("%.0f", number)
	case number >= 10:
		return fmt.Sprintf("%.1f", number)
	default:
		return fmt.Sprintf("%.2f", number)
	}
}
