package afpacket

import "fmt"

const (
	tpacketAlignment = 16
	tpacketHdrLen    = 52 // TPACKET3_HDRLEN, rounded
	maxBlockSize     = 4 << 20
)

type geometry struct {
	frameSize int
	blockSize int
	numBlocks int
}

// ringGeometry sizes a PACKET_MMAP ring of about bufferMB megabytes:
// frames are TPACKET_ALIGNMENT aligned, blocks are a multiple of both the
// page size and the frame size.
func ringGeometry(bufferMB, snapLen, pageSize int) (geometry, error) {
	if bufferMB <= 0 {
		return geometry{}, fmt.Errorf("buffer size must be positive, got %d MB", bufferMB)
	}
	if snapLen <= 0 {
		return geometry{}, fmt.Errorf("snap length must be positive, got %d", snapLen)
	}
	if pageSize <= 0 || pageSize%tpacketAlignment != 0 {
		return geometry{}, fmt.Errorf("page size must be a positive multiple of %d, got %d", tpacketAlignment, pageSize)
	}

	var g geometry
	g.frameSize = (tpacketHdrLen + snapLen + tpacketAlignment - 1) / tpacketAlignment * tpacketAlignment

	g.blockSize = lcm(pageSize, g.frameSize)
	if g.blockSize > maxBlockSize {
		// page-sized frames keep any frame count page aligned
		g.frameSize = (g.frameSize + pageSize - 1) / pageSize * pageSize
		frames := maxBlockSize / g.frameSize
		if frames < 1 {
			frames = 1
		}
		g.blockSize = frames * g.frameSize
	}

	g.numBlocks = bufferMB << 20 / g.blockSize
	if g.numBlocks < 1 {
		g.numBlocks = 1
	}
	return g, nil
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return a / gcd(a, b) * b
}
