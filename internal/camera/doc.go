// Package camera ベンダーSDKの上に型付きのプロパティ操作とフレームシンクを提供する
//
// # 責務
// - SDKネイティブのプロパティ（Switch/Range/AbsoluteValue/MapStrings/Button/Text）を型付きの値に変換する
// - 書き込み前の範囲・選択肢・書き込み可否の検証
// - SDKの配信スレッドからのフレームをコピーし、コンシューマーのワーカーへ渡す
// - デバイスハンドルのライフサイクル管理（一度だけ解放する）
// - 複数セッションの管理とデバイス消失の検出
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - カメラのプロパティを名前で読み書きしたい
// - SDKの配信スレッドをブロックせずにフレームを受け取りたい
// - バックプレッシャー（DropNewest/DropOldest/BoundedQueue）を明示的に選びたい
//
// # 仕様
// - PropertyBridge: 記述は毎回デバイスから取得し、キャッシュしない
// - PropertyBridge: 検証を通った書き込みだけをネイティブ呼び出し1回で行う（再試行しない）
// - SinkAdapter: コールバックではコピーとキュー投入のみ行う
// - SinkAdapter: Stop は登録解除とキューの配信完了を待ってから戻る
// - Device: プロパティ操作とライフサイクル操作を sync.RWMutex で直列化する
// - エラーは errors.Is で判定できる番兵エラーとして返す
//
// # 前提要件
//   - SDKドライバー: internal/sdk に登録されたもの（既定は simulated）
//   - GStreamer バックエンドを使う場合は -tags gst でビルドし、libgstreamer1.0-dev が必要
package camera
