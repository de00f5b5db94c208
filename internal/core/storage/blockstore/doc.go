// Package blockstore 提供内容寻址的块存储
//
// 块是不可变的字节序列（不超过 MaxBlockSize），以 CIDv1 标识。
// 存储只写一次：相同内容重复写入不产生任何变化，也不提供删除。
//
// # 存储实现
//
//   - Store：内存存储，所有操作并发安全
//   - MultiStore：按顺序回退的组合存储（本地优先，其后为网络）
//
// # 使用示例
//
//	bs := blockstore.New()
//	c, err := bs.Put(ctx, []byte("hello"))
//	blk, err := bs.Get(ctx, c)
package blockstore
