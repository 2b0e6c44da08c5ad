package i2cdev

// Page describes one bus-level write operation produced by decomposing a
// larger write across page boundaries: a first partial page, zero or more
// full pages, and a final partial page.
type Page struct {
	Offset     int // device byte offset this page write targets
	DataOffset int // offset into the caller's data buffer
	Length     int
}

// PlanPages decomposes a write of length n starting at offset into
// page-aligned chunks of pageSize. pageSize <= 0 disables decomposition
// and the whole write is returned as a single chunk.
func PlanPages(offset, n, pageSize int) []Page {
	if n == 0 {
		return nil
	}
	if pageSize <= 0 {
		return []Page{{Offset: offset, DataOffset: 0, Length: n}}
	}

	var pages []Page
	pos := 0
	for pos < n {
		abs := offset + pos
		pageStart := (abs / pageSize) * pageSize
		pageEnd := pageStart + pageSize
		chunkEnd := pageEnd
		if offset+n < chunkEnd {
			chunkEnd = offset + n
		}
		length := chunkEnd - abs
		pages = append(pages, Page{Offset: abs, DataOffset: pos, Length: length})
		pos += length
	}
	return pages
}
