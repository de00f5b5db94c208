package unixfs

import (
	"context"
	"errors"
	"fmt"

	dag "github.com/ipfs/boxo/ipld/merkledag"
	ft "github.com/ipfs/boxo/ipld/unixfs"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"

	"github.com/dep2p/go-webnode/internal/core/storage/blockstore"
	"github.com/dep2p/go-webnode/pkg/types"
)

// errRemoveUnsupported 块存储只追加
var errRemoveUnsupported = errors.New("blockstore is append-only")

// ============================================================================
//                              DAG 服务适配
// ============================================================================

// dagService 将块存储适配为 ipld.DAGService，供导入器写入节点
//
// 导入器内部不传递调用方的上下文，写入统一使用构造时的 ctx。
type dagService struct {
	ctx context.Context
	bs  blockstore.Blockstore
}

var _ ipld.DAGService = (*dagService)(nil)

func newDAGService(ctx context.Context, bs blockstore.Blockstore) *dagService {
	return &dagService{ctx: ctx, bs: bs}
}

// Add 写入单个节点
func (d *dagService) Add(_ context.Context, n ipld.Node) error {
	if err := d.ctx.Err(); err != nil {
		return err
	}
	blk, err := blockstore.NewBlockWithCid(n.RawData(), n.Cid())
	if err != nil {
		return err
	}
	return d.bs.PutBlock(d.ctx, blk)
}

// AddMany 顺序写入多个节点
func (d *dagService) AddMany(ctx context.Context, nodes []ipld.Node) error {
	for _, n := range nodes {
		if err := d.Add(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// Get 读取并解码节点
func (d *dagService) Get(ctx context.Context, c cid.Cid) (ipld.Node, error) {
	blk, err := d.bs.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	return decodeBlock(blk)
}

// GetMany 按顺序读取多个节点
func (d *dagService) GetMany(ctx context.Context, cids []cid.Cid) <-chan *ipld.NodeOption {
	out := make(chan *ipld.NodeOption, len(cids))
	go func() {
		defer close(out)
		for _, c := range cids {
			n, err := d.Get(ctx, c)
			select {
			case out <- &ipld.NodeOption{Node: n, Err: err}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (d *dagService) Remove(context.Context, cid.Cid) error { return errRemoveUnsupported }

func (d *dagService) RemoveMany(context.Context, []cid.Cid) error { return errRemoveUnsupported }

// ============================================================================
//                              节点解码
// ============================================================================

// decodeBlock 按 CID 编码解码块，仅支持 raw 与 dag-pb
func decodeBlock(blk blockstore.Block) (ipld.Node, error) {
	b, err := blocks.NewBlockWithCid(blk.RawData(), blk.Cid())
	if err != nil {
		return nil, types.DecodeError(fmt.Sprintf("block %s", blk.Cid()), err)
	}
	switch blk.Cid().Type() {
	case cid.Raw:
		return dag.DecodeRawBlock(b)
	case cid.DagProtobuf:
		n, err := dag.DecodeProtobufBlock(b)
		if err != nil {
			return nil, types.DecodeError(fmt.Sprintf("node %s", blk.Cid()), err)
		}
		return n, nil
	default:
		return nil, types.DecodeError(fmt.Sprintf("block %s: unsupported codec 0x%x", blk.Cid(), blk.Cid().Type()), nil)
	}
}

// fileNode 解码后的 UnixFS 文件节点
type fileNode struct {
	links    []*ipld.Link
	data     []byte
	fileSize uint64
	size     int // 编码后块大小
}

// decodeFileNode 解码 dag-pb 块并校验其为 UnixFS 文件
func decodeFileNode(blk blockstore.Block) (*fileNode, error) {
	n, err := decodeBlock(blk)
	if err != nil {
		return nil, err
	}
	pn, ok := n.(*dag.ProtoNode)
	if !ok {
		return nil, fmt.Errorf("%w: block %s is not dag-pb", ErrNotFile, blk.Cid())
	}
	fsn, err := ft.FSNodeFromBytes(pn.Data())
	if err != nil {
		return nil, types.DecodeError(fmt.Sprintf("unixfs data %s", blk.Cid()), err)
	}
	switch fsn.Type() {
	case ft.TFile, ft.TRaw:
	default:
		return nil, fmt.Errorf("%w: node %s has type %s", ErrNotFile, blk.Cid(), fsn.Type())
	}
	return &fileNode{
		links:    pn.Links(),
		data:     fsn.Data(),
		fileSize: fsn.FileSize(),
		size:     blk.Size(),
	}, nil
}
