package guestctl

// OutputType selects the line ending conversion applied to guest output.
type OutputType int

const (
	OutputTypeUndefined OutputType = 0
	OutputTypeDos2Unix  OutputType = 10
	OutputTypeUnix2Dos  OutputType = 20
)

// MaxOutputChunk is the largest amount of output fetched in one call.
const MaxOutputChunk = 64 * 1024

// stripCR removes carriage returns from data in place and returns the
// shortened slice. The host terminal applies its own line ending
// conversion, so text output is normalized to bare LF.
func stripCR(data []byte) []byte {
	n := 0
	for _, b := range data {
		if b == '\r' {
			continue
		}
		data[n] = b
		n++
	}
	return data[:n]
}
