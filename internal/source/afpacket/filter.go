package afpacket

import (
	"fmt"

	"golang.org/x/net/bpf"
)

// 802.11 frame control: type bits of the first byte.
const (
	fcTypeMask = 0x0c
	fcTypeData = 0x08
)

// dataFrameInstructions accepts data frames only, truncated to snapLen.
// With radiotap the frame control byte sits after the little-endian
// radiotap length at offset 2.
func dataFrameInstructions(radiotap bool, snapLen uint32) []bpf.Instruction {
	var prog []bpf.Instruction
	if radiotap {
		prog = append(prog,
			bpf.LoadAbsolute{Off: 3, Size: 1},
			bpf.ALUOpConstant{Op: bpf.ALUOpShiftLeft, Val: 8},
			bpf.StoreScratch{Src: bpf.RegA, N: 0},
			bpf.LoadAbsolute{Off: 2, Size: 1},
			bpf.LoadScratch{Dst: bpf.RegX, N: 0},
			bpf.ALUOpX{Op: bpf.ALUOpAdd},
			bpf.TAX{},
			bpf.LoadIndirect{Off: 0, Size: 1},
		)
	} else {
		prog = append(prog, bpf.LoadAbsolute{Off: 0, Size: 1})
	}
	return append(prog,
		bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: fcTypeMask},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: fcTypeData, SkipFalse: 1},
		bpf.RetConstant{Val: snapLen},
		bpf.RetConstant{Val: 0},
	)
}

func dataFrameFilter(radiotap bool, snapLen uint32) ([]bpf.RawInstruction, error) {
	raw, err := bpf.Assemble(dataFrameInstructions(radiotap, snapLen))
	if err != nil {
		return nil, fmt.Errorf("failed to assemble data frame filter: %w", err)
	}
	return raw, nil
}
