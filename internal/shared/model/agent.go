package model

// AgentInstallCmd Agent 安装命令集（由节点信息服务按节点下发）
type AgentInstallCmd struct {
	// Linux：下载安装脚本
	LinuxDownloadInstallScriptCmd string `json:"linuxDownloadInstallScriptCmd" bson:"linux_download_install_script_cmd"`
	// Linux：脚本文件名（需要 chmod +x）
	LinuxInstallScriptName string `json:"linuxInstallScriptName" bson:"linux_install_script_name"`
	// Linux：执行安装脚本
	LinuxRunInstallScriptCmd string `json:"linuxRunInstallScriptCmd" bson:"linux_run_install_script_cmd"`
	// Windows：在线安装命令
	WindowsOnlineInstallCmd string `json:"windowsOnlineInstallCmd" bson:"windows_online_install_cmd"`
}

// Empty 是否未下发任何命令
func (c *AgentInstallCmd) Empty() bool {
	return c == nil || (c.LinuxRunInstallScriptCmd == "" && c.WindowsOnlineInstallCmd == "")
}
