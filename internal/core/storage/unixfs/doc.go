// Package unixfs 实现分块文件层
//
// 文件按固定大小分块，每块作为 raw 叶子写入块存储。多于一块时，
// 自底向上逐层构建平衡 DAG：每个内部节点是 dag-pb 编码的 UnixFS File 节点，
// 最多 MaxLinks 个子链接，直到只剩一个根。
//
// 单块文件的根即叶子本身；空文件的根是空 raw 块。
// 相同输入与相同配置总是得到相同的根 CID。
//
// 读取（Cat）是惰性的深度优先遍历，按原始顺序逐块产出内容。
package unixfs
