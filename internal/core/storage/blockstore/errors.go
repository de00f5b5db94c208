package blockstore

import "errors"

var (
	// ErrCIDMismatch 块内容与 CID 不符
	ErrCIDMismatch = errors.New("block data does not match cid")

	// ErrBlockTooLarge 块超过 MaxBlockSize
	ErrBlockTooLarge = errors.New("block too large")

	// ErrUndefinedCID 未定义的 CID
	ErrUndefinedCID = errors.New("undefined cid")
)
