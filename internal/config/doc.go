// Package config 负责加载 launchpadd 的启动配置：按扩展名解析 YAML 或 JSON
// 文件，填充默认值，并从环境变量注入私钥、部署服务凭证等敏感信息。
package config
