package ledger

// poolABI covers the lending pool surface the monitor reads: account data, and the
// Borrow and LiquidationCall events.
const poolABI = `[
  {
    "type": "function",
    "name": "getUserAccountData",
    "stateMutability": "view",
    "inputs": [{"name": "user", "type": "address"}],
    "outputs": [
      {"name": "totalCollateralBase", "type": "uint256"},
      {"name": "totalDebtBase", "type": "uint256"},
      {"name": "availableBorrowsBase", "type": "uint256"},
      {"name": "currentLiquidationThreshold", "type": "uint256"},
      {"name": "ltv", "type": "uint256"},
      {"name": "healthFactor", "type": "uint256"}
    ]
  },
  {
    "type": "event",
    "name": "Borrow",
    "anonymous": false,
    "inputs": [
      {"name": "reserve", "type": "address", "indexed": true},
      {"name": "user", "type": "address", "indexed": false},
      {"name": "onBehalfOf", "type": "address", "indexed": true},
      {"name": "amount", "type": "uint256", "indexed": false},
      {"name": "interestRateMode", "type": "uint8", "indexed": false},
      {"name": "borrowRate", "type": "uint256", "indexed": false},
      {"name": "referralCode", "type": "uint16", "indexed": true}
    ]
  },
  {
    "type": "event",
    "name": "LiquidationCall",
    "anonymous": false,
    "inputs": [
      {"name": "collateralAsset", "type": "address", "indexed": true},
      {"name": "debtAsset", "type": "address", "indexed": true},
      {"name": "user", "type": "address", "indexed": true},
      {"name": "debtToCover", "type": "uint256", "indexed": false},
      {"name": "liquidatedCollateralAmount", "type": "uint256", "indexed": false},
      {"name": "liquidator", "type": "address", "indexed": false},
      {"name": "receiveAToken", "type": "bool", "indexed": false}
    ]
  }
]`
