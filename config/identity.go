package config

// IdentityConfig 身份配置
type IdentityConfig struct {
	// KeyFile 私钥文件路径
	//
	// 为空时每次启动生成临时身份，与浏览器页面刷新后换新身份一致。
	KeyFile string `json:"key_file,omitempty"`
}

// DefaultIdentityConfig 返回默认身份配置
func DefaultIdentityConfig() IdentityConfig {
	return IdentityConfig{}
}

// Validate 校验身份配置
func (c IdentityConfig) Validate() error {
	return nil
}
