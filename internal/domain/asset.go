package domain

// BlockchainFamily 资产所属的区块链家族
type BlockchainFamily string

const (
	BlockchainNone      BlockchainFamily = "none"       // 纯链下资产，不需要链上结算
	BlockchainBitcoin   BlockchainFamily = "bitcoin"    // 比特币
	BlockchainEthereum  BlockchainFamily = "ethereum"   // 以太坊（原生或 ERC20，由 ERC20Contract 区分）
	BlockchainColored   BlockchainFamily = "colored"    // 旧版 colored-coin 链（历史遗留）
	BlockchainChrono    BlockchainFamily = "chrono"     // 旧版 chrono 链（历史遗留）
)

// Asset 资产元数据（来自资产缓存服务）
type Asset struct {
	ID                 string           // 资产 ID
	DisplayID          string           // 展示用 ID（例如 BTC、ETH）
	Accuracy           int32            // 小数精度（记账金额按此精度截断）
	Blockchain         BlockchainFamily // 区块链家族
	ERC20Contract      string           // ERC20 合约地址（为空表示以太坊原生资产）
	IsTrusted          bool             // 可信资产：记账即终态，跳过链上提交
	ForwardBaseAssetID string           // 远期提现的目标资产 ID（可选）
	ForwardFrozenDays  int              // 远期提现的冻结天数（可选）
}

// IsForwardWithdrawal 该资产的提现是否为远期提现（延迟兑换）
func (a *Asset) IsForwardWithdrawal() bool {
	return a != nil && a.ForwardBaseAssetID != "" && a.ForwardFrozenDays > 0
}

// RequiresOnchainSettlement 该资产是否需要链上结算
// 可信资产与纯链下资产都不需要
func (a *Asset) RequiresOnchainSettlement() bool {
	if a == nil {
		return false
	}
	return !a.IsTrusted && a.Blockchain != BlockchainNone && a.Blockchain != ""
}

// SubmissionChannel 链上提交通道
type SubmissionChannel string

const (
	ChannelNone          SubmissionChannel = ""               // 不提交（链下/可信）
	ChannelBitcoin       SubmissionChannel = "bitcoin"        // 比特币通道
	ChannelEthereum      SubmissionChannel = "ethereum"       // 以太坊原生通道
	ChannelEthereumERC20 SubmissionChannel = "ethereum-erc20" // 以太坊 ERC20 通道
	ChannelColored       SubmissionChannel = "colored"        // 旧版 colored-coin 通道
	ChannelChrono        SubmissionChannel = "chrono"         // 旧版 chrono 通道
)

// SelectChannel 根据资产元数据与客户端可信标记选择提交通道（纯函数）
// 返回 ChannelNone 表示记账即终态，不需要任何链上提交
func SelectChannel(asset *Asset, clientTrusted bool) SubmissionChannel {
	if asset == nil || clientTrusted || !asset.RequiresOnchainSettlement() {
		return ChannelNone
	}
	switch asset.Blockchain {
	case BlockchainBitcoin:
		return ChannelBitcoin
	case BlockchainEthereum:
		if asset.ERC20Contract != "" {
			return ChannelEthereumERC20
		}
		return ChannelEthereum
	case BlockchainColored:
		return ChannelColored
	case BlockchainChrono:
		return ChannelChrono
	}
	return ChannelNone
}
