package detour

import "sort"

// funcBodySize returns the number of bytes from entry to the start of the
// next function in the same module, or -1 if entry isn't a Go function.
func funcBodySize(entry uintptr) int {
	info := findfunc(entry)
	if info._func == nil || info.datap == nil {
		return -1
	}
	datap := info.datap
	if entry < datap.text || entry >= datap.etext {
		return -1
	}

	funcOffset := uint32(entry - datap.text)

	// ftab is sorted by entry offset.
	ftab := datap.ftab
	i := sort.Search(len(ftab), func(i int) bool {
		return ftab[i].entryoff > funcOffset
	})
	if i == len(ftab) {
		return int(datap.etext - entry)
	}
	return int(ftab[i].entryoff - funcOffset)
}
