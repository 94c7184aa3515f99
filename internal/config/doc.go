// Package config 负责加载资金控制器的 YAML 配置，补全默认值，并转换为各组件的配置结构。
package config
