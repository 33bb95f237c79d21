// Package reconciler 在宿主侧执行与生成脚本一致的缓存对账协议：
// install 时按 manifest 补齐缺失的命名缓存并清理过期缓存，fetch 时优先用预缓存响应，
// 其余请求交给运行时路由表中的策略处理。缓存命名与脚本完全相同，
// 预览服务与测试可以据此观察脚本在浏览器中的行为。
package reconciler
